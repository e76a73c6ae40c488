package triage

import (
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"medlink-server/internal/llm"
	"medlink-server/internal/models"
)

// ClientProfile is the profile block a client may send with a chat turn.
type ClientProfile struct {
	Name      string `json:"name"`
	Age       *int   `json:"age"`
	Sex       string `json:"sex"`
	BloodType string `json:"bloodType"`
}

// ClientContext is the optional context a client may send with a chat turn.
type ClientContext struct {
	Profile     *ClientProfile `json:"profile"`
	Allergies   []string       `json:"allergies"`
	Medications []string       `json:"medications"`
}

// PatientContext is everything the steering message is built from.
type PatientContext struct {
	Profile     ClientProfile
	Allergies   []string
	Medications []string
	Summary     models.TriageSummary
}

// WithClientContext fills gaps in server-known data with client-supplied
// values. Server data always wins; the summary is never taken from the
// client.
func (pc PatientContext) WithClientContext(client *ClientContext) PatientContext {
	if client == nil {
		return pc
	}
	if p := client.Profile; p != nil {
		pc.Profile.Name = firstNonEmpty(pc.Profile.Name, p.Name)
		pc.Profile.Sex = firstNonEmpty(pc.Profile.Sex, p.Sex)
		pc.Profile.BloodType = firstNonEmpty(pc.Profile.BloodType, p.BloodType)
		if pc.Profile.Age == nil && p.Age != nil && *p.Age >= 0 {
			age := *p.Age
			pc.Profile.Age = &age
		}
	}
	if len(compact(pc.Allergies)) == 0 {
		pc.Allergies = compact(client.Allergies)
	}
	if len(compact(pc.Medications)) == 0 {
		pc.Medications = compact(client.Medications)
	}
	return pc
}

// BuildContextMessage renders the steering message that reminds the model
// of what is already known. It returns "" when nothing is known.
func BuildContextMessage(pc PatientContext) string {
	var lines []string
	add := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", label, value))
		}
	}

	add("Nama", pc.Profile.Name)
	if pc.Profile.Age != nil {
		add("Usia", fmt.Sprintf("%d tahun", *pc.Profile.Age))
	}
	add("Jenis kelamin", pc.Profile.Sex)
	add("Golongan darah", pc.Profile.BloodType)
	add("Alergi", strings.Join(compact(pc.Allergies), ", "))
	add("Obat yang sedang dikonsumsi", strings.Join(compact(pc.Medications), ", "))

	s := pc.Summary
	if s.HasSymptoms() {
		add("Gejala yang sudah tercatat", strings.Join(compact(s.Symptoms), ", "))
	}
	add("Durasi keluhan", s.Duration)
	add("Tingkat keparahan", s.Severity)
	if s.HasSymptoms() || s.RiskLevel.Rank() > 0 {
		add("Tingkat risiko sementara", string(s.RiskLevel))
	}
	add("Tanda bahaya", strings.Join(compact(s.RedFlags), ", "))
	if rec := s.Recommendation; rec != nil {
		add("Rekomendasi sementara", strings.Join(compact([]string{rec.Type, rec.Reason}), " - "))
	}

	if len(lines) == 0 {
		return ""
	}
	return "Informasi pasien yang sudah diketahui:\n" + strings.Join(lines, "\n") +
		"\nJangan menanyakan ulang informasi di atas kecuali perlu konfirmasi."
}

// ChatTurn is one turn of client-held chat history.
type ChatTurn struct {
	Role    string `json:"role" binding:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// BuildMessages assembles the upstream request: the system prompt, the
// steering message, the most recent limit turns of history and the latest
// user message. Client system turns are dropped.
func BuildMessages(history []ChatTurn, latest, steering string, limit int) []llm.Message {
	turns := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		switch t.Role {
		case openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant:
			turns = append(turns, llm.Message{Role: t.Role, Content: t.Content})
		}
	}
	if n := len(turns); n == 0 || turns[n-1].Role != openai.ChatMessageRoleUser || turns[n-1].Content != latest {
		turns = append(turns, llm.Message{Role: openai.ChatMessageRoleUser, Content: latest})
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	out := make([]llm.Message, 0, len(turns)+2)
	out = append(out, llm.Message{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt})
	if steering != "" {
		out = append(out, llm.Message{Role: openai.ChatMessageRoleSystem, Content: steering})
	}
	return append(out, turns...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" && v != models.EmptySymptom {
			out = append(out, v)
		}
	}
	return out
}
