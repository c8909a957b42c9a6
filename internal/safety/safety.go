// Package safety screens conversations before they reach the model and
// generated replies before they reach the caller.
package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PoYuTsai/VibeSync/internal/analysis"
)

// WarningSafetyFilter marks a result whose replies were substituted.
const WarningSafetyFilter = "safety_filter"

type InputVerdict struct {
	Safe   bool
	Reason string
}

type Gate struct {
	rules  *Rules
	input  []*regexp.Regexp
	output []*regexp.Regexp
}

func NewGate(rules *Rules) (*Gate, error) {
	input, err := compile(rules.InputPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid input pattern: %w", err)
	}
	output, err := compile(rules.OutputPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid output pattern: %w", err)
	}
	return &Gate{rules: rules, input: input, output: output}, nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (g *Gate) Version() string { return g.rules.Version }

// SystemRules is the behavioural rule text appended to the system prompt.
func (g *Gate) SystemRules() string { return g.rules.SystemRules }

// CheckInput screens the concatenated conversation for disallowed intent.
func (g *Gate) CheckInput(messages []analysis.Message) InputVerdict {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Content
	}
	text := strings.Join(parts, " ")

	for _, re := range g.input {
		if re.MatchString(text) {
			return InputVerdict{Safe: false, Reason: g.rules.RefusalReason}
		}
	}
	return InputVerdict{Safe: true}
}

// CheckOutput returns r unchanged when no reply matches a blocked pattern.
// Otherwise it returns a copy whose whole reply set is the safe bundle for
// the result's enthusiasm level, with a safety_filter warning appended.
func (g *Gate) CheckOutput(r *analysis.Result) *analysis.Result {
	out, _ := g.ScreenOutput(r)
	return out
}

// ScreenOutput is CheckOutput that also reports whether replies were replaced.
func (g *Gate) ScreenOutput(r *analysis.Result) (*analysis.Result, bool) {
	if r == nil || r.Replies == nil {
		return r, false
	}

	text := joinReplies(r.Replies)
	for _, re := range g.output {
		if !re.MatchString(text) {
			continue
		}
		filtered := r.Clone()
		filtered.Replies = g.SafeReplies(analysis.LevelForScore(r.Score()))
		filtered.Warnings = append(filtered.Warnings, analysis.Warning{
			Type:    WarningSafetyFilter,
			Message: g.rules.FilterWarning,
		})
		return filtered, true
	}
	return r, false
}

// SafeReplies returns a copy of the bundle for level; unknown levels get warm.
func (g *Gate) SafeReplies(level string) map[string]string {
	bundle, ok := g.rules.SafeReplies[level]
	if !ok {
		bundle = g.rules.SafeReplies[analysis.LevelWarm]
	}
	cp := make(map[string]string, len(bundle))
	for k, v := range bundle {
		cp[k] = v
	}
	return cp
}

func joinReplies(replies map[string]string) string {
	keys := make([]string, 0, len(replies))
	for k := range replies {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = replies[k]
	}
	return strings.Join(parts, " ")
}
