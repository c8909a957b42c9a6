package safety

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/PoYuTsai/VibeSync/internal/analysis"
)

//go:embed rules.yaml
var embeddedRules []byte

// Rules is the versioned safety asset: screening patterns, the refusal and
// warning texts, and the safe reply bundle per enthusiasm level.
type Rules struct {
	Version        string                       `yaml:"version"`
	InputPatterns  []string                     `yaml:"input_patterns"`
	RefusalReason  string                       `yaml:"refusal_reason"`
	OutputPatterns []string                     `yaml:"output_patterns"`
	FilterWarning  string                       `yaml:"filter_warning"`
	SafeReplies    map[string]map[string]string `yaml:"safe_replies"`
	SystemRules    string                       `yaml:"system_rules"`
}

// LoadRules reads the rules at path, or the embedded rules when path is empty.
func LoadRules(path string) (*Rules, error) {
	data := embeddedRules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read safety rules: %w", err)
		}
		data = b
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse safety rules: %w", err)
	}

	if r.Version == "" {
		return nil, fmt.Errorf("safety rules: version is required")
	}
	if len(r.InputPatterns) == 0 || len(r.OutputPatterns) == 0 {
		return nil, fmt.Errorf("safety rules %s: input and output patterns are required", r.Version)
	}
	if r.RefusalReason == "" || r.FilterWarning == "" {
		return nil, fmt.Errorf("safety rules %s: refusal_reason and filter_warning are required", r.Version)
	}
	for _, level := range []string{analysis.LevelCold, analysis.LevelWarm, analysis.LevelHot, analysis.LevelVeryHot} {
		if len(r.SafeReplies[level]) == 0 {
			return nil, fmt.Errorf("safety rules %s: missing safe replies for %s", r.Version, level)
		}
	}
	return &r, nil
}
