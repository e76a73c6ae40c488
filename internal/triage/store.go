package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"medlink-server/internal/models"
)

const riskOrder = "CASE risk_level WHEN 'emergency' THEN 3 WHEN 'high' THEN 2 WHEN 'moderate' THEN 1 ELSE 0 END DESC"

// Store is the gorm persistence adapter for triage sessions and messages.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction runs fn with a Store bound to a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// FindSession loads a session by id.
func (s *Store) FindSession(ctx context.Context, id string) (*models.TriageSession, error) {
	var session models.TriageSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("find session %s: %w", id, err)
	}
	return &session, nil
}

// LatestActiveSession returns the patient's most recently updated active session.
func (s *Store) LatestActiveSession(ctx context.Context, patientID string) (*models.TriageSession, error) {
	var session models.TriageSession
	err := s.db.WithContext(ctx).
		Where("patient_id = ? AND status = ?", patientID, models.SessionActive).
		Order("updated_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return &session, nil
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(ctx context.Context, session *models.TriageSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSummary stores the merged summary and its risk level.
func (s *Store) UpdateSummary(ctx context.Context, sessionID string, summary models.TriageSummary) error {
	res := s.db.WithContext(ctx).
		Model(&models.TriageSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"summary":    datatypes.NewJSONType(summary),
			"risk_level": summary.RiskLevel,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("update session summary: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkCompleted moves an active session to completed. It returns
// ErrSessionCompleted when the session was not active.
func (s *Store) MarkCompleted(ctx context.Context, sessionID, actorID string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.TriageSession{}).
		Where("id = ? AND status = ?", sessionID, models.SessionActive).
		Updates(map[string]interface{}{
			"status":       models.SessionCompleted,
			"completed_at": at,
			"completed_by": actorID,
			"updated_at":   at,
		})
	if res.Error != nil {
		return fmt.Errorf("complete session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionCompleted
	}
	return nil
}

// ListSessions returns sessions ordered by risk severity, then recency.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]models.TriageSession, error) {
	q := s.db.WithContext(ctx).Model(&models.TriageSession{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.RiskLevel != "" {
		q = q.Where("risk_level = ?", filter.RiskLevel)
	}
	if filter.PatientID != "" {
		q = q.Where("patient_id = ?", filter.PatientID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var sessions []models.TriageSession
	if err := q.Order(riskOrder).Order("updated_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// HasClientMessage reports whether a user message with clientID exists in the session.
func (s *Store) HasClientMessage(ctx context.Context, sessionID, clientID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.TriageMessage{}).
		Where("session_id = ? AND client_message_id = ? AND role = ?", sessionID, clientID, models.MessageRoleUser).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup client message: %w", err)
	}
	return count > 0, nil
}

// InsertMessage stores a transcript message.
func (s *Store) InsertMessage(ctx context.Context, msg *models.TriageMessage) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("insert %s message: %w", msg.Role, err)
	}
	return nil
}

// ListMessages returns the transcript in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]models.TriageMessage, error) {
	var messages []models.TriageMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// FindUser loads a user by id.
func (s *Store) FindUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

// RecordTitles returns the titles of the patient's records of the given types, newest first.
func (s *Store) RecordTitles(ctx context.Context, patientID string, recordType models.MedicalRecordType) ([]string, error) {
	var titles []string
	err := s.db.WithContext(ctx).
		Model(&models.MedicalRecord{}).
		Where("patient_id = ? AND record_type = ?", patientID, recordType).
		Order("record_date DESC").
		Pluck("title", &titles).Error
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", recordType, err)
	}
	return titles, nil
}

// CreateAppointment books an appointment.
func (s *Store) CreateAppointment(ctx context.Context, appt *models.Appointment) error {
	if err := s.db.WithContext(ctx).Create(appt).Error; err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

// CreateRecord stores a medical record.
func (s *Store) CreateRecord(ctx context.Context, record *models.MedicalRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create medical record: %w", err)
	}
	return nil
}
