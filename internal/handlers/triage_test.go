package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"medlink-server/internal/config"
	"medlink-server/internal/events"
	"medlink-server/internal/llm"
	"medlink-server/internal/middleware"
	"medlink-server/internal/models"
	"medlink-server/internal/testutil"
	"medlink-server/internal/triage"
	"medlink-server/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type triageEnv struct {
	router    *gin.Engine
	db        *gorm.DB
	cfg       *config.Config
	persister *triage.Persister
	patient   *models.User
	doctor    *models.User
}

// newTriageEnv wires the triage routes against an in-memory database and
// the given upstream.
func newTriageEnv(t *testing.T, upstreamURL, apiKey string) *triageEnv {
	t.Helper()

	cfg := &config.Config{
		Environment:               "test",
		JWTSecret:                 "test-secret",
		JWTRefreshSecret:          "test-refresh-secret",
		JWTExpirationMinutes:      15,
		JWTRefreshExpirationHours: 1,
		LLM: config.LLMConfig{
			APIKey:       apiKey,
			BaseURL:      upstreamURL,
			Model:        "test-model",
			HistoryLimit: 16,
		},
	}
	db := testutil.NewDB(t)
	log := zap.NewNop()
	persister := triage.NewPersister(5*time.Second, log)
	service := triage.NewService(triage.NewStore(db), events.NopBus{}, log)
	h := NewTriageHandler(service, llm.NewClient(cfg.LLM, log), persister, events.NopBus{}, cfg.LLM.HistoryLimit, log)
	messages := NewMessageHandler(service, log)

	router := gin.New()
	api := router.Group("/api/v1/triage", middleware.AuthMiddleware(cfg))
	api.POST("/chat", middleware.RoleAuthMiddleware(models.RolePatient), h.Chat)
	api.GET("/feed", h.Feed)
	api.GET("/sessions", middleware.RoleAuthMiddleware(models.RoleDoctor, models.RoleAdmin), h.ListSessions)
	api.GET("/sessions/current", h.CurrentSession)
	api.GET("/sessions/:id", h.GetSession)
	api.POST("/sessions/:id/complete", h.CompleteSession)
	api.GET("/sessions/:id/messages", messages.GetMessages)
	api.POST("/sessions/:id/messages", messages.SendMessage)

	return &triageEnv{
		router:    router,
		db:        db,
		cfg:       cfg,
		persister: persister,
		patient:   testutil.CreateUser(t, db, models.RolePatient, "patient@example.com"),
		doctor:    testutil.CreateUser(t, db, models.RoleDoctor, "doctor@example.com"),
	}
}

func (e *triageEnv) token(t *testing.T, user *models.User) string {
	t.Helper()
	access, _, err := utils.GenerateTokens(user, e.cfg)
	require.NoError(t, err)
	return access
}

func (e *triageEnv) do(t *testing.T, method, path string, user *models.User, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func sseChunk(content string) string {
	return fmt.Sprintf("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", content)
}

// fakeUpstream streams the given deltas as an OpenAI-compatible SSE body.
func fakeUpstream(t *testing.T, deltas ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprint(w, sseChunk(d))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chatBody(sessionID, messageID, content string) gin.H {
	return gin.H{
		"sessionId": sessionID,
		"messages": []gin.H{
			{"role": "assistant", "content": "Halo, ada keluhan apa hari ini?"},
			{"role": "user", "content": content},
		},
		"latestUserMessage": gin.H{
			"id":        messageID,
			"content":   content,
			"createdAt": "2025-03-01T09:30:00Z",
		},
	}
}

const demamReply = "Baik, sejak kapan demamnya naik turun?\n```json\n" +
	`{"riskLevel":"moderate","symptoms":["demam"],"duration":"2 hari","redFlags":[]}` +
	"\n```"

func TestChat_RequiresAuth(t *testing.T) {
	env := newTriageEnv(t, "http://127.0.0.1:1", "key")
	rec := env.do(t, http.MethodPost, "/api/v1/triage/chat", nil, chatBody("", "m1", "demam"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChat_ValidationErrors(t *testing.T) {
	env := newTriageEnv(t, "http://127.0.0.1:1", "key")

	tests := []struct {
		name string
		body gin.H
	}{
		{"empty history", gin.H{"messages": []gin.H{}, "latestUserMessage": gin.H{"id": "m1", "content": "demam"}}},
		{"missing latest message", gin.H{"messages": []gin.H{{"role": "user", "content": "demam"}}}},
		{"blank latest message", gin.H{"messages": []gin.H{{"role": "user", "content": "demam"}}, "latestUserMessage": gin.H{"id": "m1", "content": "   "}}},
		{"missing message id", gin.H{"messages": []gin.H{{"role": "user", "content": "batuk"}}, "latestUserMessage": gin.H{"content": "batuk"}}},
		{"blank message id", gin.H{"messages": []gin.H{{"role": "user", "content": "batuk"}}, "latestUserMessage": gin.H{"id": "  ", "content": "batuk"}}},
		{"bad createdAt", gin.H{"messages": []gin.H{{"role": "user", "content": "demam"}}, "latestUserMessage": gin.H{"id": "m1", "content": "demam", "createdAt": "kemarin"}}},
		{"unknown role", gin.H{"messages": []gin.H{{"role": "tool", "content": "x"}}, "latestUserMessage": gin.H{"id": "m1", "content": "demam"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	var n int64
	require.NoError(t, env.db.Model(&models.TriageSession{}).Count(&n).Error)
	assert.Zero(t, n, "rejected requests must not create sessions")
}

func TestChat_PatientOnly(t *testing.T) {
	env := newTriageEnv(t, "http://127.0.0.1:1", "key")
	rec := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.doctor, chatBody("", "m1", "demam"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChat_MissingAPIKey(t *testing.T) {
	env := newTriageEnv(t, "http://127.0.0.1:1", "")
	rec := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, chatBody("", "m1", "demam"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChat_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"requests"}}`)
	}))
	defer upstream.Close()
	env := newTriageEnv(t, upstream.URL, "key")

	rec := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, chatBody("", "m1", "demam"))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var resp utils.ResponseData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
	assert.Contains(t, resp.Detail, "rate limited")
	assert.Empty(t, rec.Header().Get(SessionHeader))
}

func TestChat_StreamsAndPersistsSummary(t *testing.T) {
	upstream := fakeUpstream(t, "Baik, ", "sejak kapan demamnya naik turun?\n", "```json\n"+
		`{"riskLevel":"moderate","symptoms":["demam"],"duration":"2 hari","redFlags":[]}`+"\n```")
	env := newTriageEnv(t, upstream.URL, "key")

	rec := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, chatBody("", "m1", "demam sejak 2 hari"))
	env.persister.Wait()

	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get(SessionHeader)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, demamReply, rec.Body.String())

	var session models.TriageSession
	require.NoError(t, env.db.First(&session, "id = ?", sessionID).Error)
	assert.Equal(t, env.patient.ID, session.PatientID)
	assert.Equal(t, models.RiskModerate, session.RiskLevel)
	summary := session.Summary.Data()
	assert.Equal(t, []string{"demam"}, summary.Symptoms)
	assert.Equal(t, "2 hari", summary.Duration)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC), session.StartedAt.UTC())

	var msgs []models.TriageMessage
	require.NoError(t, env.db.Where("session_id = ?", sessionID).Order("created_at asc").Find(&msgs).Error)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, "demam sejak 2 hari", msgs[0].Content)
	assert.Equal(t, models.MessageRoleAI, msgs[1].Role)
	assert.Equal(t, demamReply, msgs[1].Content)
	assert.Equal(t, models.RiskModerate, msgs[1].Metadata.Data().RiskLevel)
}

func TestChat_RetryDoesNotDuplicateUserMessage(t *testing.T) {
	upstream := fakeUpstream(t, "Baik.")
	env := newTriageEnv(t, upstream.URL, "key")

	first := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, chatBody("", "m1", "batuk"))
	require.Equal(t, http.StatusOK, first.Code)
	sessionID := first.Header().Get(SessionHeader)

	second := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, chatBody(sessionID, "m1", "batuk"))
	env.persister.Wait()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, sessionID, second.Header().Get(SessionHeader))

	var n int64
	require.NoError(t, env.db.Model(&models.TriageMessage{}).
		Where("session_id = ? AND role = ?", sessionID, models.MessageRoleUser).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestChat_CompletedSessionStartsNewOne(t *testing.T) {
	upstream := fakeUpstream(t, "Baik.")
	env := newTriageEnv(t, upstream.URL, "key")

	first := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, chatBody("", "m1", "pusing"))
	require.Equal(t, http.StatusOK, first.Code)
	env.persister.Wait()
	oldID := first.Header().Get(SessionHeader)

	done := env.do(t, http.MethodPost, "/api/v1/triage/sessions/"+oldID+"/complete", env.patient, nil)
	require.Equal(t, http.StatusOK, done.Code)

	again := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, chatBody(oldID, "m2", "masih pusing"))
	env.persister.Wait()
	require.Equal(t, http.StatusOK, again.Code)
	newID := again.Header().Get(SessionHeader)
	assert.NotEmpty(t, newID)
	assert.NotEqual(t, oldID, newID)

	conflict := env.do(t, http.MethodPost, "/api/v1/triage/sessions/"+oldID+"/complete", env.patient, nil)
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestSessionEndpoints_Access(t *testing.T) {
	upstream := fakeUpstream(t, "Baik.")
	env := newTriageEnv(t, upstream.URL, "key")
	other := testutil.CreateUser(t, env.db, models.RolePatient, "other@example.com")

	rec := env.do(t, http.MethodGet, "/api/v1/triage/sessions/current", env.patient, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	chat := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, chatBody("", "m1", "mual"))
	env.persister.Wait()
	sessionID := chat.Header().Get(SessionHeader)

	rec = env.do(t, http.MethodGet, "/api/v1/triage/sessions/current", env.patient, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/triage/sessions/"+sessionID, other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/triage/sessions/"+sessionID, env.doctor, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/triage/sessions", env.patient, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/triage/sessions?risk=unknown", env.doctor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/triage/sessions?status=active", env.doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []models.TriageSession `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, sessionID, resp.Data[0].ID)
}

func TestMessages_DoctorReply(t *testing.T) {
	upstream := fakeUpstream(t, "Baik.")
	env := newTriageEnv(t, upstream.URL, "key")

	chat := env.do(t, http.MethodPost, "/api/v1/triage/chat", env.patient, chatBody("", "m1", "sesak napas"))
	env.persister.Wait()
	sessionID := chat.Header().Get(SessionHeader)
	path := "/api/v1/triage/sessions/" + sessionID + "/messages"

	rec := env.do(t, http.MethodPost, path, env.patient, gin.H{"content": "halo dok"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, path, env.doctor, gin.H{"content": "Segera ke IGD terdekat."})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, path, env.patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []models.TriageMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 3)
	assert.Equal(t, models.MessageRoleDoctor, resp.Data[2].Role)
}

func TestFeed_UnavailableWithoutRedis(t *testing.T) {
	env := newTriageEnv(t, "http://127.0.0.1:1", "key")
	rec := env.do(t, http.MethodGet, "/api/v1/triage/feed", env.doctor, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
