// Package analysis models the structured analysis returned to callers: the
// transcript sent to the model, the parsed model output and the tier-based
// shaping applied to it.
package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/PoYuTsai/VibeSync/internal/plan"
)

// Enthusiasm levels, from least to most engaged.
const (
	LevelCold    = "cold"
	LevelWarm    = "warm"
	LevelHot     = "hot"
	LevelVeryHot = "very_hot"
)

// DefaultScore is assumed when the model omits the enthusiasm score.
const DefaultScore = 50

// LevelForScore maps a 0-100 enthusiasm score to its level.
func LevelForScore(score float64) string {
	switch {
	case score <= 30:
		return LevelCold
	case score <= 60:
		return LevelWarm
	case score <= 80:
		return LevelHot
	default:
		return LevelVeryHot
	}
}

type Enthusiasm struct {
	Score float64 `json:"score"`
	Level string  `json:"level"`
}

type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Usage struct {
	MessagesUsed     int    `json:"messagesUsed"`
	MonthlyRemaining int    `json:"monthlyRemaining"`
	DailyRemaining   int    `json:"dailyRemaining"`
	Model            string `json:"model"`
	FallbackUsed     bool   `json:"fallbackUsed"`
	Retries          int    `json:"retries"`
}

// Result is the analysis object. Fields the gateway acts on are typed; every
// other top-level field of the model output is kept verbatim in Sections.
type Result struct {
	Enthusiasm *Enthusiasm
	Replies    map[string]string
	Warnings   []Warning
	Sections   map[string]json.RawMessage
	Usage      *Usage
}

// Score returns the enthusiasm score, or DefaultScore when absent.
func (r *Result) Score() float64 {
	if r.Enthusiasm == nil || r.Enthusiasm.Score == 0 {
		return DefaultScore
	}
	return r.Enthusiasm.Score
}

// Clone copies the result deeply enough that replies, warnings and sections
// of the copy can be changed without touching the original.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := &Result{}
	if r.Enthusiasm != nil {
		e := *r.Enthusiasm
		cp.Enthusiasm = &e
	}
	if r.Replies != nil {
		cp.Replies = make(map[string]string, len(r.Replies))
		for k, v := range r.Replies {
			cp.Replies[k] = v
		}
	}
	if r.Warnings != nil {
		cp.Warnings = append([]Warning(nil), r.Warnings...)
	}
	if r.Sections != nil {
		cp.Sections = make(map[string]json.RawMessage, len(r.Sections))
		for k, v := range r.Sections {
			cp.Sections[k] = v
		}
	}
	if r.Usage != nil {
		u := *r.Usage
		cp.Usage = &u
	}
	return cp
}

// optionalSections lists analysis sections that require a feature.
var optionalSections = map[string]plan.Feature{
	"healthCheck": plan.FeatureHealthCheck,
}

// FilterByEntitlement drops reply categories and optional sections the
// feature set does not include.
func (r *Result) FilterByEntitlement(features plan.FeatureSet) {
	for key := range r.Replies {
		if !features.Has(plan.Feature(key)) {
			delete(r.Replies, key)
		}
	}
	for section, feature := range optionalSections {
		if !features.Has(feature) {
			delete(r.Sections, section)
		}
	}
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Result{}
	for key, value := range raw {
		if string(value) == "null" {
			continue
		}
		switch key {
		case "enthusiasm":
			var e Enthusiasm
			if err := json.Unmarshal(value, &e); err != nil {
				return fmt.Errorf("invalid enthusiasm: %w", err)
			}
			r.Enthusiasm = &e
		case "replies":
			if err := json.Unmarshal(value, &r.Replies); err != nil {
				return fmt.Errorf("invalid replies: %w", err)
			}
		case "warnings":
			if err := json.Unmarshal(value, &r.Warnings); err != nil {
				return fmt.Errorf("invalid warnings: %w", err)
			}
		case "usage":
			// Usage is owned by the gateway, never by the model.
		default:
			if r.Sections == nil {
				r.Sections = make(map[string]json.RawMessage)
			}
			r.Sections[key] = value
		}
	}
	return nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Sections)+4)
	for k, v := range r.Sections {
		out[k] = v
	}
	if r.Enthusiasm != nil {
		out["enthusiasm"] = r.Enthusiasm
	}
	if r.Replies != nil {
		out["replies"] = r.Replies
	}
	warnings := r.Warnings
	if warnings == nil {
		warnings = []Warning{}
	}
	out["warnings"] = warnings
	if r.Usage != nil {
		out["usage"] = r.Usage
	}
	return json.Marshal(out)
}
