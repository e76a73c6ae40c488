package triage

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"medlink-server/internal/models"
)

var fencedJSON = regexp.MustCompile("(?is)```json\\s*(.*?)```")

// ExtractJSONSnapshot returns the structured snapshot embedded in assistant
// text. The last non-empty fenced ```json block wins; otherwise the last
// top-level {...} object in the text is used.
func ExtractJSONSnapshot(text string) (string, bool) {
	blocks := fencedJSON.FindAllStringSubmatch(text, -1)
	for i := len(blocks) - 1; i >= 0; i-- {
		if body := strings.TrimSpace(blocks[i][1]); body != "" {
			return body, true
		}
	}
	return lastObject(text)
}

// lastObject returns the last complete top-level object in text, skipping
// braces inside JSON strings. A brace that never closes is treated as prose
// and scanning resumes right after it.
func lastObject(text string) (string, bool) {
	var (
		last  string
		found bool
	)
	for offset := 0; offset < len(text); {
		obj, ok, unclosed := scanObjects(text[offset:])
		if ok {
			last, found = obj, true
		}
		if unclosed < 0 {
			break
		}
		offset += unclosed + 1
	}
	return last, found
}

// scanObjects returns the last balanced object in text and the offset of a
// trailing top-level brace that never closed, or -1.
func scanObjects(text string) (last string, found bool, unclosed int) {
	var (
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				last, found = text[start:i+1], true
			}
		}
	}
	if depth > 0 {
		return last, found, start
	}
	return last, found, -1
}

// ExtractSummary merges the snapshot found in text onto fallback. It never
// fails: text without a snapshot yields fallback with a fresh UpdatedAt.
func ExtractSummary(text string, fallback models.TriageSummary) models.TriageSummary {
	snapshot, ok := ExtractJSONSnapshot(text)
	if !ok {
		out := fallback.Clone()
		out.UpdatedAt = now()
		return out
	}
	return MergeSummary(fallback, snapshot)
}

// MergeSummary applies a last-known-good merge of the JSON object in
// jsonText onto fallback. Missing or malformed fields keep the fallback
// value.
func MergeSummary(fallback models.TriageSummary, jsonText string) models.TriageSummary {
	out := fallback.Clone()
	out.UpdatedAt = now()
	if !out.RiskLevel.Valid() {
		out.RiskLevel = models.RiskLow
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonText), &fields); err != nil || fields == nil {
		return out
	}

	var risk string
	if decode(fields["riskLevel"], &risk) {
		if level, ok := models.ParseRiskLevel(risk); ok {
			out.RiskLevel = level
		}
	}

	var symptoms []string
	if decode(fields["symptoms"], &symptoms) && len(symptoms) > 0 {
		out.Symptoms = symptoms
	}

	var duration string
	if decode(fields["duration"], &duration) && strings.TrimSpace(duration) != "" {
		out.Duration = strings.TrimSpace(duration)
	}

	var redFlags []string
	if decode(fields["redFlags"], &redFlags) {
		if redFlags == nil {
			redFlags = []string{}
		}
		out.RedFlags = redFlags
	}

	var rec map[string]json.RawMessage
	if decode(fields["recommendation"], &rec) && rec != nil {
		out.Recommendation = decodeRecommendation(rec)
	}

	var severity string
	if decode(fields["severity"], &severity) && strings.TrimSpace(severity) != "" {
		out.Severity = strings.TrimSpace(severity)
	}

	return out
}

// decodeRecommendation keeps each sub-field only when it has the right type.
func decodeRecommendation(fields map[string]json.RawMessage) *models.Recommendation {
	rec := &models.Recommendation{}
	decode(fields["type"], &rec.Type)
	decode(fields["reason"], &rec.Reason)
	decode(fields["urgency"], &rec.Urgency)
	var otc []string
	if decode(fields["otc"], &otc) {
		rec.OTC = otc
	}
	return rec
}

// decode reports whether raw is present, non-null and decodes into v.
func decode(raw json.RawMessage, v any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

var now = func() time.Time { return time.Now().UTC() }
