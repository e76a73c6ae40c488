package models

import (
	"time"
)

// AppointmentStatus represents the status of an appointment
type AppointmentStatus string

const (
	StatusPending     AppointmentStatus = "pending"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusCompleted   AppointmentStatus = "completed"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

// Valid reports whether s is a known appointment status.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusRescheduled:
		return true
	default:
		return false
	}
}

// AppointmentPriority orders the doctor's schedule; triage handoffs derive it
// from the session risk level.
type AppointmentPriority string

const (
	PriorityRoutine   AppointmentPriority = "routine"
	PrioritySoon      AppointmentPriority = "soon"
	PriorityUrgent    AppointmentPriority = "urgent"
	PriorityImmediate AppointmentPriority = "immediate"
)

// PriorityForRisk maps a triage risk level onto an appointment priority.
func PriorityForRisk(r RiskLevel) AppointmentPriority {
	switch r {
	case RiskEmergency:
		return PriorityImmediate
	case RiskHigh:
		return PriorityUrgent
	case RiskModerate:
		return PrioritySoon
	default:
		return PriorityRoutine
	}
}

// Appointment represents a scheduled medical appointment
type Appointment struct {
	BaseModel
	PatientID       string              `gorm:"size:36;index" json:"patientId"`
	DoctorID        string              `gorm:"size:36;index" json:"doctorId"`
	TriageSessionID *string             `gorm:"size:36;index" json:"triageSessionId,omitempty"`
	StartTime       time.Time           `json:"startTime"`
	EndTime         time.Time           `json:"endTime"`
	Status          AppointmentStatus   `gorm:"size:20;default:'pending'" json:"status"`
	Priority        AppointmentPriority `gorm:"size:20;default:'routine'" json:"priority"`
	Reason          string              `gorm:"size:255" json:"reason"`
	Notes           string              `gorm:"type:text" json:"notes"`
	IsFollowUp      bool                `gorm:"default:false" json:"isFollowUp"`

	// Relations
	Patient User `gorm:"foreignKey:PatientID" json:"-"`
	Doctor  User `gorm:"foreignKey:DoctorID" json:"-"`
}
