package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/callscreen/pkg/provider/s2s"
)

// ToolName is the name of the function the screener calls to end the call
// with a classification.
const ToolName = "report_verdict"

// Kind is the outcome of a screened call.
type Kind string

const (
	Scam Kind = "scam"
	Safe Kind = "safe"
)

// ErrInvalidVerdict is returned by [ParseVerdict] for arguments that do not
// describe a verdict.
var ErrInvalidVerdict = errors.New("bridge: invalid verdict")

// Verdict is the classification delivered by the screener.
type Verdict struct {
	Verdict Kind   `json:"verdict"`
	Reason  string `json:"reason"`

	// Confidence is the screener's confidence in percent. Nil when the model
	// did not report one.
	Confidence *float64 `json:"confidence,omitempty"`
}

// ParseVerdict decodes and validates the arguments of a report_verdict call.
// The verdict is matched case-insensitively, the reason must be non-empty and
// a confidence, when present, must be a number in [0, 100]. Numeric strings
// are accepted for confidence since some models quote every argument.
func ParseVerdict(args json.RawMessage) (Verdict, error) {
	var raw struct {
		Verdict    *string         `json:"verdict"`
		Reason     *string         `json:"reason"`
		Confidence json.RawMessage `json:"confidence"`
	}
	if err := json.Unmarshal(args, &raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}

	var v Verdict
	if raw.Verdict == nil {
		return Verdict{}, fmt.Errorf("%w: missing verdict", ErrInvalidVerdict)
	}
	switch k := Kind(strings.ToLower(strings.TrimSpace(*raw.Verdict))); k {
	case Scam, Safe:
		v.Verdict = k
	default:
		return Verdict{}, fmt.Errorf("%w: verdict %q is not %q or %q", ErrInvalidVerdict, *raw.Verdict, Scam, Safe)
	}

	if raw.Reason == nil || strings.TrimSpace(*raw.Reason) == "" {
		return Verdict{}, fmt.Errorf("%w: missing reason", ErrInvalidVerdict)
	}
	v.Reason = strings.TrimSpace(*raw.Reason)

	if c := bytes.TrimSpace(raw.Confidence); len(c) > 0 && !bytes.Equal(c, []byte("null")) {
		conf, err := parseConfidence(c)
		if err != nil {
			return Verdict{}, err
		}
		v.Confidence = &conf
	}
	return v, nil
}

func parseConfidence(raw []byte) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, fmt.Errorf("%w: confidence %s is not a number", ErrInvalidVerdict, raw)
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, fmt.Errorf("%w: confidence %q is not a number", ErrInvalidVerdict, s)
		}
	}
	if f < 0 || f > 100 {
		return 0, fmt.Errorf("%w: confidence %v outside [0, 100]", ErrInvalidVerdict, f)
	}
	return f, nil
}

// ToolDefinition returns the report_verdict declaration offered to the model.
// The interactive variant makes confidence a required argument.
func ToolDefinition(requireConfidence bool) s2s.ToolDefinition {
	required := []string{"verdict", "reason"}
	if requireConfidence {
		required = append(required, "confidence")
	}
	return s2s.ToolDefinition{
		Name: ToolName,
		Description: "Report the final classification of the call once you are confident " +
			"whether the caller is attempting fraud. Call this exactly once.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"verdict": map[string]any{
					"type":        "string",
					"enum":        []string{string(Scam), string(Safe)},
					"description": "scam if the caller is attempting fraud, otherwise safe.",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "One sentence explaining the classification.",
				},
				"confidence": map[string]any{
					"type":        "number",
					"minimum":     0,
					"maximum":     100,
					"description": "Confidence in the classification, in percent.",
				},
			},
			"required": required,
		},
	}
}
