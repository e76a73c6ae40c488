package triage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"medlink-server/internal/events"
	"medlink-server/internal/models"
	"medlink-server/internal/testutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	db      *gorm.DB
	service *Service
	events  *recordingPublisher
	patient *models.User
	doctor  *models.User
}

func setup(t *testing.T) *fixture {
	db := testutil.NewDB(t)
	pub := &recordingPublisher{}
	return &fixture{
		db:      db,
		service: NewService(NewStore(db), pub, zap.NewNop()),
		events:  pub,
		patient: testutil.CreateUser(t, db, models.RolePatient, "patient@example.com"),
		doctor:  testutil.CreateUser(t, db, models.RoleDoctor, "doctor@example.com"),
	}
}

func (f *fixture) patientActor() Actor {
	return Actor{UserID: f.patient.ID, Role: models.RolePatient}
}

func (f *fixture) doctorActor() Actor {
	return Actor{UserID: f.doctor.ID, Role: models.RoleDoctor}
}

func (f *fixture) countMessages(t *testing.T, sessionID string, role models.MessageRole) int64 {
	var n int64
	require.NoError(t, f.db.Model(&models.TriageMessage{}).
		Where("session_id = ? AND role = ?", sessionID, role).Count(&n).Error)
	return n
}

func TestResolveOrCreateSession_CreatesWithEmptySummary(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	started := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	session, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", &started)
	require.NoError(t, err)

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, models.SessionActive, session.Status)
	assert.Equal(t, models.RiskLow, session.RiskLevel)
	assert.True(t, started.Equal(session.StartedAt))
	summary := session.Summary.Data()
	assert.Equal(t, []string{models.EmptySymptom}, summary.Symptoms)
	assert.Empty(t, summary.RedFlags)
	assert.Equal(t, []events.Type{events.SessionCreated}, f.events.types())
}

func TestResolveOrCreateSession_Continuity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
	require.NoError(t, err)

	t.Run("explicit active session continues", func(t *testing.T) {
		got, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, first.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("no session id reuses latest active", func(t *testing.T) {
		got, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("unknown session id falls back", func(t *testing.T) {
		got, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "does-not-exist", nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("another patient's session is ignored", func(t *testing.T) {
		other := testutil.CreateUser(t, f.db, models.RolePatient, "other@example.com")
		got, err := f.service.ResolveOrCreateSession(ctx, other.ID, first.ID, nil)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, got.ID)
		assert.Equal(t, other.ID, got.PatientID)
	})

	t.Run("completed session yields a new one", func(t *testing.T) {
		_, err := f.service.CompleteSession(ctx, first.ID, f.patientActor(), nil)
		require.NoError(t, err)

		got, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, first.ID, nil)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, got.ID)
		assert.True(t, got.IsActive())

		reloaded, err := f.service.GetSession(ctx, first.ID, f.patientActor())
		require.NoError(t, err)
		assert.Equal(t, models.SessionCompleted, reloaded.Status)
	})
}

func TestPersistUserMessage_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	session, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
	require.NoError(t, err)

	msg := LatestUserMessage{ID: "client-1", Content: "demam sejak 2 hari"}
	created, err := f.service.PersistUserMessage(ctx, session.ID, msg)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.service.PersistUserMessage(ctx, session.ID, msg)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, int64(1), f.countMessages(t, session.ID, models.MessageRoleUser))

	created, err = f.service.PersistUserMessage(ctx, session.ID, LatestUserMessage{ID: "client-2", Content: "juga batuk"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(2), f.countMessages(t, session.ID, models.MessageRoleUser))
}

func TestPersistUserMessage_UsesClientTimestamp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	session, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
	require.NoError(t, err)

	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	_, err = f.service.PersistUserMessage(ctx, session.ID, LatestUserMessage{ID: "c1", Content: "pusing", CreatedAt: &at})
	require.NoError(t, err)

	msgs, err := f.service.ListMessages(ctx, session.ID, f.patientActor())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, at.Equal(msgs[0].CreatedAt))
	assert.Equal(t, "c1", msgs[0].Metadata.Data().ClientMessageID)
}

func TestCompleteTurn_FirstMessageScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	session, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{models.EmptySymptom}, session.Summary.Data().Symptoms)

	_, err = f.service.PersistUserMessage(ctx, session.ID, LatestUserMessage{ID: "m1", Content: "demam sejak 2 hari"})
	require.NoError(t, err)

	reply := "Baik, demam sudah 2 hari. Apakah ada batuk?\n```json\n" +
		`{"symptoms":["demam"],"duration":"2 hari","riskLevel":"low","redFlags":[]}` + "\n```"
	require.NoError(t, f.service.CompleteTurn(ctx, session.ID, reply))

	stored, err := f.service.GetSession(ctx, session.ID, f.patientActor())
	require.NoError(t, err)
	summary := stored.Summary.Data()
	assert.Equal(t, []string{"demam"}, summary.Symptoms)
	assert.Equal(t, "2 hari", summary.Duration)
	assert.Equal(t, models.RiskLow, summary.RiskLevel)
	assert.Equal(t, models.RiskLow, stored.RiskLevel)

	assert.Equal(t, int64(1), f.countMessages(t, session.ID, models.MessageRoleAI))
	assert.Equal(t, []events.Type{events.SessionCreated, events.SummaryUpdated}, f.events.types())
}

func TestCompleteTurn_PartialSnapshotAndEmptyText(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	session, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
	require.NoError(t, err)

	require.NoError(t, f.service.CompleteTurn(ctx, session.ID, `{"symptoms":["batuk"],"riskLevel":"moderate"}`))
	require.NoError(t, f.service.CompleteTurn(ctx, session.ID, "Ada sesak? ```json\n{\"riskLevel\":\"URGENT\",\"redFlags\":[\"sesak\"]}\n```"))
	require.NoError(t, f.service.CompleteTurn(ctx, session.ID, "   "))

	stored, err := f.service.GetSession(ctx, session.ID, f.doctorActor())
	require.NoError(t, err)
	summary := stored.Summary.Data()
	assert.Equal(t, []string{"batuk"}, summary.Symptoms)
	assert.Equal(t, models.RiskModerate, summary.RiskLevel)
	assert.Equal(t, []string{"sesak"}, summary.RedFlags)
	assert.Equal(t, int64(2), f.countMessages(t, session.ID, models.MessageRoleAI))
}

func TestRecordAssistantTurn_MissingSession(t *testing.T) {
	f := setup(t)
	ghost := &models.TriageSession{BaseModel: models.BaseModel{ID: "ghost"}}

	err := f.service.RecordAssistantTurn(context.Background(), ghost, "hi", models.EmptySummary(time.Now()))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecordAssistantTurn_FailedInsertStillUpdatesSummary(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	session, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Migrator().DropTable(&models.TriageMessage{}))

	summary := models.EmptySummary(time.Now())
	summary.RiskLevel = models.RiskHigh
	summary.Symptoms = []string{"sesak napas"}

	err = f.service.RecordAssistantTurn(ctx, session, "Segera ke IGD.", summary)
	require.Error(t, err)

	var stored models.TriageSession
	require.NoError(t, f.db.First(&stored, "id = ?", session.ID).Error)
	assert.Equal(t, models.RiskHigh, stored.RiskLevel)
	assert.Equal(t, []string{"sesak napas"}, stored.Summary.Data().Symptoms)
}

func TestCompleteSession_HandoffBooksAppointment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	session, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
	require.NoError(t, err)
	require.NoError(t, f.service.CompleteTurn(ctx, session.ID, `{"symptoms":["nyeri dada"],"riskLevel":"high","redFlags":["keringat dingin"]}`))

	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	result, err := f.service.CompleteSession(ctx, session.ID, f.patientActor(), &HandoffRequest{
		DoctorID:  f.doctor.ID,
		StartTime: &start,
		Notes:     "mohon segera",
	})
	require.NoError(t, err)

	assert.Equal(t, models.SessionCompleted, result.Session.Status)
	require.NotNil(t, result.Session.CompletedBy)
	assert.Equal(t, f.patient.ID, *result.Session.CompletedBy)

	require.NotNil(t, result.Appointment)
	assert.Equal(t, models.PriorityUrgent, result.Appointment.Priority)
	assert.Equal(t, f.doctor.ID, result.Appointment.DoctorID)
	assert.Equal(t, "nyeri dada", result.Appointment.Reason)
	assert.Equal(t, 30*time.Minute, result.Appointment.EndTime.Sub(result.Appointment.StartTime))

	require.NotNil(t, result.Record)
	assert.Equal(t, models.RecordTypeTriageHandoff, result.Record.RecordType)
	assert.Contains(t, result.Record.Summary, "Red flags: keringat dingin")

	var appointments int64
	require.NoError(t, f.db.Model(&models.Appointment{}).Where("triage_session_id = ?", session.ID).Count(&appointments).Error)
	assert.Equal(t, int64(1), appointments)

	_, err = f.service.CompleteSession(ctx, session.ID, f.patientActor(), nil)
	assert.ErrorIs(t, err, ErrSessionCompleted)
	assert.Contains(t, f.events.types(), events.SessionCompleted)
}

func TestCompleteSession_RejectsOtherPatientAndNonDoctor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	session, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
	require.NoError(t, err)

	other := testutil.CreateUser(t, f.db, models.RolePatient, "other@example.com")
	_, err = f.service.CompleteSession(ctx, session.ID, Actor{UserID: other.ID, Role: models.RolePatient}, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.service.CompleteSession(ctx, session.ID, f.patientActor(), &HandoffRequest{DoctorID: other.ID})
	assert.ErrorIs(t, err, ErrUserNotFound)

	stored, err := f.service.GetSession(ctx, session.ID, f.patientActor())
	require.NoError(t, err)
	assert.True(t, stored.IsActive())
}

func TestListSessions_OrderedByRisk(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	risks := []string{"low", "emergency", "moderate", "high"}
	for i, risk := range risks {
		patient := testutil.CreateUser(t, f.db, models.RolePatient, risk+"@example.com")
		session, err := f.service.ResolveOrCreateSession(ctx, patient.ID, "", nil)
		require.NoError(t, err, "patient %d", i)
		require.NoError(t, f.service.CompleteTurn(ctx, session.ID, `{"riskLevel":"`+risk+`"}`))
	}

	sessions, err := f.service.ListSessions(ctx, SessionFilter{Status: models.SessionActive})
	require.NoError(t, err)
	require.Len(t, sessions, 4)
	var got []models.RiskLevel
	for _, s := range sessions {
		got = append(got, s.RiskLevel)
	}
	assert.Equal(t, []models.RiskLevel{models.RiskEmergency, models.RiskHigh, models.RiskModerate, models.RiskLow}, got)

	high, err := f.service.ListSessions(ctx, SessionFilter{RiskLevel: models.RiskHigh})
	require.NoError(t, err)
	assert.Len(t, high, 1)

	_, err = f.service.ListSessions(ctx, SessionFilter{RiskLevel: "urgent"})
	assert.Error(t, err)
}

func TestAddDoctorMessage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	session, err := f.service.ResolveOrCreateSession(ctx, f.patient.ID, "", nil)
	require.NoError(t, err)

	_, err = f.service.AddDoctorMessage(ctx, session.ID, f.patientActor(), "hi")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.service.AddDoctorMessage(ctx, "missing", f.doctorActor(), "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	msg, err := f.service.AddDoctorMessage(ctx, session.ID, f.doctorActor(), "Silakan datang ke klinik.")
	require.NoError(t, err)
	assert.Equal(t, models.MessageRoleDoctor, msg.Role)
	assert.Equal(t, f.doctor.ID, msg.Metadata.Data().AuthorID)

	detail, err := f.service.GetSessionDetail(ctx, session.ID, f.patientActor())
	require.NoError(t, err)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "Silakan datang ke klinik.", detail.Messages[0].Content)
}

func TestLoadPatientContext(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, rec := range []models.MedicalRecord{
		{PatientID: f.patient.ID, DoctorID: f.doctor.ID, RecordType: models.RecordTypeAllergy, Title: "Penisilin", RecordDate: time.Now()},
		{PatientID: f.patient.ID, DoctorID: f.doctor.ID, RecordType: models.RecordTypePrescription, Title: "Metformin 500mg", RecordDate: time.Now()},
		{PatientID: f.patient.ID, DoctorID: f.doctor.ID, RecordType: models.RecordTypeLabResult, Title: "Darah lengkap", RecordDate: time.Now()},
	} {
		rec := rec
		require.NoError(t, f.db.Create(&rec).Error)
	}

	pc, err := f.service.LoadPatientContext(ctx, f.patient.ID, models.EmptySummary(time.Now()), &ClientContext{
		Profile:   &ClientProfile{Name: "Nama Lain", BloodType: "B"},
		Allergies: []string{"udang"},
	})
	require.NoError(t, err)

	assert.Equal(t, f.patient.FullName(), pc.Profile.Name)
	assert.Equal(t, "A", pc.Profile.BloodType)
	require.NotNil(t, pc.Profile.Age)
	assert.Equal(t, []string{"Penisilin"}, pc.Allergies)
	assert.Equal(t, []string{"Metformin 500mg"}, pc.Medications)

	msg := BuildContextMessage(pc)
	assert.Contains(t, msg, "Penisilin")
	assert.NotContains(t, msg, "udang")
	assert.NotContains(t, msg, "Darah lengkap")
}
