// Package triage implements the AI-triage session lifecycle: session
// resolution, idempotent transcript persistence, summary extraction and the
// doctor handoff.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"medlink-server/internal/events"
	"medlink-server/internal/models"
)

var (
	ErrSessionNotFound  = errors.New("triage session not found")
	ErrSessionCompleted = errors.New("triage session already completed")
	ErrForbidden        = errors.New("not allowed to access this triage session")
	ErrUserNotFound     = errors.New("user not found")
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID string
	Role   models.Role
}

func (a Actor) canAccess(s *models.TriageSession) bool {
	return a.Role.IsClinician() || (a.Role == models.RolePatient && s.PatientID == a.UserID)
}

// LatestUserMessage is the new user turn of a chat request.
type LatestUserMessage struct {
	ID        string
	Content   string
	CreatedAt *time.Time
}

// SessionFilter narrows the doctor queue.
type SessionFilter struct {
	Status    models.SessionStatus
	RiskLevel models.RiskLevel
	PatientID string
	Limit     int
	Offset    int
}

// SessionDetail is a session with its transcript.
type SessionDetail struct {
	Session  *models.TriageSession  `json:"session"`
	Messages []models.TriageMessage `json:"messages"`
}

// HandoffRequest optionally books a consultation when a session is completed.
type HandoffRequest struct {
	DoctorID  string
	StartTime *time.Time
	Duration  time.Duration
	Notes     string
}

// HandoffResult is the outcome of completing a session.
type HandoffResult struct {
	Session     *models.TriageSession `json:"session"`
	Appointment *models.Appointment   `json:"appointment,omitempty"`
	Record      *models.MedicalRecord `json:"record,omitempty"`
}

// Service implements the triage lifecycle on top of a Store.
type Service struct {
	store     *Store
	publisher events.Publisher
	logger    *zap.Logger
}

// NewService creates a new Service
func NewService(store *Store, publisher events.Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.NopBus{}
	}
	return &Service{store: store, publisher: publisher, logger: logger}
}

// ResolveOrCreateSession picks the session a chat turn belongs to. An owned
// active session named by requestedID is continued; an owned completed one
// starts a new session; anything else falls back to the patient's latest
// active session, then to a new one.
func (s *Service) ResolveOrCreateSession(ctx context.Context, patientID, requestedID string, clientTimestamp *time.Time) (*models.TriageSession, error) {
	if requestedID != "" {
		session, err := s.store.FindSession(ctx, requestedID)
		switch {
		case err == nil && session.PatientID == patientID:
			if session.IsActive() {
				return session, nil
			}
			return s.createSession(ctx, patientID, clientTimestamp)
		case err != nil && !errors.Is(err, ErrSessionNotFound):
			s.logger.Error("resolve requested session", zap.String("session_id", requestedID), zap.Error(err))
			return nil, err
		}
	}

	session, err := s.store.LatestActiveSession(ctx, patientID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		s.logger.Error("lookup active session", zap.String("patient_id", patientID), zap.Error(err))
		return nil, err
	}
	return s.createSession(ctx, patientID, clientTimestamp)
}

func (s *Service) createSession(ctx context.Context, patientID string, clientTimestamp *time.Time) (*models.TriageSession, error) {
	now := time.Now().UTC()
	startedAt := now
	if clientTimestamp != nil && !clientTimestamp.IsZero() {
		startedAt = clientTimestamp.UTC()
	}
	session := &models.TriageSession{
		PatientID: patientID,
		Status:    models.SessionActive,
		RiskLevel: models.RiskLow,
		Summary:   datatypes.NewJSONType(models.EmptySummary(now)),
		StartedAt: startedAt,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		s.logger.Error("create triage session", zap.String("patient_id", patientID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("triage session created", zap.String("session_id", session.ID), zap.String("patient_id", patientID))
	s.publish(ctx, events.NewEvent(events.SessionCreated, session))
	return session, nil
}

// ActiveSession returns the patient's current active session.
func (s *Service) ActiveSession(ctx context.Context, patientID string) (*models.TriageSession, error) {
	return s.store.LatestActiveSession(ctx, patientID)
}

// PersistUserMessage stores the user turn once per client message id.
// created is false when the message was already stored.
func (s *Service) PersistUserMessage(ctx context.Context, sessionID string, msg LatestUserMessage) (created bool, err error) {
	clientID := strings.TrimSpace(msg.ID)
	if clientID != "" {
		exists, err := s.store.HasClientMessage(ctx, sessionID, clientID)
		if err != nil {
			return false, err
		}
		if exists {
			s.logger.Debug("user message already stored", zap.String("session_id", sessionID), zap.String("client_message_id", clientID))
			return false, nil
		}
	}

	message := &models.TriageMessage{
		SessionID:       sessionID,
		Role:            models.MessageRoleUser,
		Content:         msg.Content,
		ClientMessageID: clientID,
		Metadata:        datatypes.NewJSONType(models.MessageMetadata{ClientMessageID: clientID}),
	}
	if msg.CreatedAt != nil && !msg.CreatedAt.IsZero() {
		message.CreatedAt = msg.CreatedAt.UTC()
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteTurn extracts the snapshot from the finished assistant text onto
// the session's persisted summary and records the turn.
func (s *Service) CompleteTurn(ctx context.Context, sessionID, fullText string) error {
	if strings.TrimSpace(fullText) == "" {
		return nil
	}
	session, err := s.store.FindSession(ctx, sessionID)
	if err != nil {
		return err
	}
	summary := ExtractSummary(fullText, session.Summary.Data())
	return s.RecordAssistantTurn(ctx, session, fullText, summary)
}

// RecordAssistantTurn stores the assistant message and the merged summary.
// The two writes run concurrently and are not transactional; each failure
// is logged and the first one is returned.
func (s *Service) RecordAssistantTurn(ctx context.Context, session *models.TriageSession, fullText string, summary models.TriageSummary) error {
	log := s.logger.With(zap.String("session_id", session.ID))

	// a plain group: one failed write must not cancel the other
	var g errgroup.Group
	g.Go(func() error {
		msg := &models.TriageMessage{
			SessionID: session.ID,
			Role:      models.MessageRoleAI,
			Content:   fullText,
			Metadata: datatypes.NewJSONType(models.MessageMetadata{
				RiskLevel: summary.RiskLevel,
				RedFlags:  summary.RedFlags,
			}),
		}
		if err := s.store.InsertMessage(ctx, msg); err != nil {
			log.Error("store assistant message", zap.Error(err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := s.store.UpdateSummary(ctx, session.ID, summary); err != nil {
			log.Error("update session summary", zap.Error(err))
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	session.Summary = datatypes.NewJSONType(summary)
	session.RiskLevel = summary.RiskLevel
	log.Debug("assistant turn recorded", zap.String("risk_level", string(summary.RiskLevel)))
	s.publish(ctx, events.NewEvent(events.SummaryUpdated, session))
	return nil
}

// GetSession loads a session the actor may see.
func (s *Service) GetSession(ctx context.Context, sessionID string, actor Actor) (*models.TriageSession, error) {
	session, err := s.store.FindSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !actor.canAccess(session) {
		return nil, ErrForbidden
	}
	return session, nil
}

// GetSessionDetail loads a session with its transcript.
func (s *Service) GetSessionDetail(ctx context.Context, sessionID string, actor Actor) (*SessionDetail, error) {
	session, err := s.GetSession(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: session, Messages: messages}, nil
}

// ListMessages returns the transcript of a session the actor may see.
func (s *Service) ListMessages(ctx context.Context, sessionID string, actor Actor) ([]models.TriageMessage, error) {
	if _, err := s.GetSession(ctx, sessionID, actor); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID)
}

// ListSessions returns the doctor queue.
func (s *Service) ListSessions(ctx context.Context, filter SessionFilter) ([]models.TriageSession, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", filter.Status)
	}
	if filter.RiskLevel != "" && !filter.RiskLevel.Valid() {
		return nil, fmt.Errorf("invalid risk level %q", filter.RiskLevel)
	}
	return s.store.ListSessions(ctx, filter)
}

// AddDoctorMessage posts a clinician reply into a session transcript.
func (s *Service) AddDoctorMessage(ctx context.Context, sessionID string, actor Actor, content string) (*models.TriageMessage, error) {
	if !actor.Role.IsClinician() {
		return nil, ErrForbidden
	}
	if _, err := s.store.FindSession(ctx, sessionID); err != nil {
		return nil, err
	}
	msg := &models.TriageMessage{
		SessionID: sessionID,
		Role:      models.MessageRoleDoctor,
		Content:   content,
		Metadata:  datatypes.NewJSONType(models.MessageMetadata{AuthorID: actor.UserID}),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// CompleteSession hands an active session off to doctor workflows. When
// req names a doctor, a handoff record is filed for them, and a start time
// also books an appointment with priority derived from the risk level.
func (s *Service) CompleteSession(ctx context.Context, sessionID string, actor Actor, req *HandoffRequest) (*HandoffResult, error) {
	session, err := s.GetSession(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, ErrSessionCompleted
	}

	doctorID := ""
	if req != nil {
		doctorID = strings.TrimSpace(req.DoctorID)
	}
	if doctorID == "" && actor.Role == models.RoleDoctor {
		doctorID = actor.UserID
	}
	if doctorID != "" {
		doctor, err := s.store.FindUser(ctx, doctorID)
		if err != nil {
			return nil, err
		}
		if doctor.Role != models.RoleDoctor {
			return nil, fmt.Errorf("%w: %s is not a doctor", ErrUserNotFound, doctorID)
		}
	}

	result := &HandoffResult{Session: session}
	now := time.Now().UTC()
	err = s.store.Transaction(ctx, func(tx *Store) error {
		if err := tx.MarkCompleted(ctx, session.ID, actor.UserID, now); err != nil {
			return err
		}
		if doctorID == "" {
			return nil
		}

		summary := session.Summary.Data()
		sessionRef := session.ID
		result.Record = &models.MedicalRecord{
			PatientID:       session.PatientID,
			DoctorID:        doctorID,
			TriageSessionID: &sessionRef,
			RecordType:      models.RecordTypeTriageHandoff,
			RecordDate:      now,
			Title:           "Triage handoff: " + string(summary.RiskLevel),
			Department:      "Triage",
			Summary:         HandoffSummary(summary),
		}
		if err := tx.CreateRecord(ctx, result.Record); err != nil {
			return err
		}

		if req == nil || req.StartTime == nil {
			return nil
		}
		duration := req.Duration
		if duration <= 0 {
			duration = 30 * time.Minute
		}
		result.Appointment = &models.Appointment{
			PatientID:       session.PatientID,
			DoctorID:        doctorID,
			TriageSessionID: &sessionRef,
			StartTime:       req.StartTime.UTC(),
			EndTime:         req.StartTime.UTC().Add(duration),
			Status:          models.StatusPending,
			Priority:        models.PriorityForRisk(session.RiskLevel),
			Reason:          firstNonEmpty(strings.Join(compact(summary.Symptoms), ", "), "Triage follow-up"),
			Notes:           req.Notes,
		}
		return tx.CreateAppointment(ctx, result.Appointment)
	})
	if err != nil {
		if !errors.Is(err, ErrSessionCompleted) {
			s.logger.Error("complete triage session", zap.String("session_id", session.ID), zap.Error(err))
		}
		return nil, err
	}

	actorID := actor.UserID
	session.Status = models.SessionCompleted
	session.CompletedAt = &now
	session.CompletedBy = &actorID
	s.logger.Info("triage session completed",
		zap.String("session_id", session.ID),
		zap.String("risk_level", string(session.RiskLevel)),
		zap.Bool("appointment_booked", result.Appointment != nil),
	)
	s.publish(ctx, events.NewEvent(events.SessionCompleted, session))
	return result, nil
}

// HandoffSummary renders a summary as plain text for a medical record.
func HandoffSummary(summary models.TriageSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk level: %s\n", summary.RiskLevel)
	if summary.HasSymptoms() {
		fmt.Fprintf(&b, "Symptoms: %s\n", strings.Join(compact(summary.Symptoms), ", "))
	}
	if summary.Duration != "" {
		fmt.Fprintf(&b, "Duration: %s\n", summary.Duration)
	}
	if summary.Severity != "" {
		fmt.Fprintf(&b, "Severity: %s\n", summary.Severity)
	}
	if flags := compact(summary.RedFlags); len(flags) > 0 {
		fmt.Fprintf(&b, "Red flags: %s\n", strings.Join(flags, ", "))
	}
	if rec := summary.Recommendation; rec != nil {
		fmt.Fprintf(&b, "Recommendation: %s", firstNonEmpty(rec.Type, "-"))
		if rec.Reason != "" {
			fmt.Fprintf(&b, " (%s)", rec.Reason)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// LoadPatientContext gathers server-known profile, allergy and medication
// data plus the session summary, then fills gaps from the client context.
func (s *Service) LoadPatientContext(ctx context.Context, patientID string, summary models.TriageSummary, client *ClientContext) (PatientContext, error) {
	pc := PatientContext{Summary: summary}

	user, err := s.store.FindUser(ctx, patientID)
	switch {
	case err == nil:
		pc.Profile = ClientProfile{
			Name:      user.FullName(),
			Age:       user.AgeAt(time.Now()),
			Sex:       user.Sex,
			BloodType: user.BloodType,
		}
	case !errors.Is(err, ErrUserNotFound):
		return pc, err
	}

	if pc.Allergies, err = s.store.RecordTitles(ctx, patientID, models.RecordTypeAllergy); err != nil {
		return pc, err
	}
	if pc.Medications, err = s.store.RecordTitles(ctx, patientID, models.RecordTypePrescription); err != nil {
		return pc, err
	}
	return pc.WithClientContext(client), nil
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish triage event",
			zap.String("type", string(evt.Type)),
			zap.String("session_id", evt.SessionID),
			zap.Error(err),
		)
	}
}
