package gate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Payload is the open-ended data bag a caller supplies with an action.
// Its shape is per stage; an optional StageSchema describes each variant.
type Payload map[string]any

// Has reports whether key is present.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the value at key if it is a string.
func (p Payload) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// Float returns the value at key as a float64 if it is numeric.
func (p Payload) Float(key string) (float64, bool) {
	return toFloat(p[key])
}

// Map returns the value at key if it is a JSON object.
func (p Payload) Map(key string) (map[string]any, bool) {
	return asObject(p[key])
}

// errorText returns the upstream failure reported in data.error, if any.
func (p Payload) errorText() (string, bool) {
	v, ok := p["error"]
	if !ok || v == nil {
		return "", false
	}
	var msg string
	switch e := v.(type) {
	case string:
		msg = e
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			msg = m
		} else {
			msg = fmt.Sprint(e)
		}
	default:
		msg = fmt.Sprint(e)
	}
	msg = strings.TrimSpace(msg)
	return msg, msg != ""
}

// StageOutput is the intermediate artifact persisted for each completed
// stage. Outputs produced inside an active repair unit carry the iteration.
type StageOutput struct {
	RunID           string    `json:"runId"`
	Stage           int       `json:"stage"`
	StageName       string    `json:"stageName"`
	RepairIteration int       `json:"repairIteration,omitempty"`
	Data            Payload   `json:"data,omitempty"`
	WrittenAt       time.Time `json:"writtenAt"`
}

// ArtifactName returns the artifact name for a stage output:
// "stage-<id>-<name-slug>", suffixed with ".iter-<n>" when n > 0.
func ArtifactName(stage Stage, iteration int) string {
	name := fmt.Sprintf("stage-%d-%s", stage.ID, slugify(stage.Name))
	if iteration > 0 {
		name += fmt.Sprintf(".iter-%d", iteration)
	}
	return name
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "stage"
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Payload:
		return map[string]any(m), true
	default:
		return nil, false
	}
}
