package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionStatus is the lifecycle state of a triage session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted:
		return true
	default:
		return false
	}
}

// MessageRole identifies the author of a triage message.
type MessageRole string

const (
	MessageRoleUser   MessageRole = "user"
	MessageRoleAI     MessageRole = "ai"
	MessageRoleDoctor MessageRole = "doctor"
)

// Valid reports whether r is a known message role.
func (r MessageRole) Valid() bool {
	switch r {
	case MessageRoleUser, MessageRoleAI, MessageRoleDoctor:
		return true
	default:
		return false
	}
}

// TriageSession is one patient conversation with the triage assistant.
type TriageSession struct {
	BaseModel
	PatientID   string                            `gorm:"size:36;index:idx_triage_patient_status" json:"patientId"`
	Status      SessionStatus                     `gorm:"size:20;default:'active';index:idx_triage_patient_status" json:"status"`
	RiskLevel   RiskLevel                         `gorm:"size:20;default:'low';index" json:"riskLevel"`
	Summary     datatypes.JSONType[TriageSummary] `json:"summary"`
	StartedAt   time.Time                         `json:"startedAt"`
	CompletedAt *time.Time                        `json:"completedAt,omitempty"`
	CompletedBy *string                           `gorm:"size:36" json:"completedBy,omitempty"`

	Patient  User            `gorm:"foreignKey:PatientID" json:"-"`
	Messages []TriageMessage `gorm:"foreignKey:SessionID" json:"messages,omitempty"`
}

// IsActive reports whether the session still accepts turns.
func (s *TriageSession) IsActive() bool {
	return s.Status == SessionActive
}

// MessageMetadata is the JSON metadata stored with each triage message.
type MessageMetadata struct {
	RiskLevel       RiskLevel `json:"riskLevel,omitempty"`
	RedFlags        []string  `json:"redFlags,omitempty"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	AuthorID        string    `json:"authorId,omitempty"`
}

// TriageMessage is a single turn in a triage session transcript.
type TriageMessage struct {
	BaseModel
	SessionID       string                              `gorm:"size:36;not null;index:idx_triage_message_client,priority:1" json:"sessionId"`
	Role            MessageRole                         `gorm:"size:20;not null" json:"role"`
	Content         string                              `gorm:"type:text" json:"content"`
	ClientMessageID string                              `gorm:"size:64;index:idx_triage_message_client,priority:2" json:"-"`
	Metadata        datatypes.JSONType[MessageMetadata] `json:"metadata"`
}
