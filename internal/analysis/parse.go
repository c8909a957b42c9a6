package analysis

import (
	"encoding/json"
	"errors"
	"strings"
)

var errNoObject = errors.New("no JSON object in model output")

// ParseResult extracts the JSON object from the model's text. When the text
// holds no valid object it returns Placeholder() and the parse error.
func ParseResult(text string) (*Result, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return Placeholder(), errNoObject
	}

	var r Result
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return Placeholder(), err
	}
	return &r, nil
}

// Placeholder is returned to the caller when the model output is unusable.
func Placeholder() *Result {
	strategy, _ := json.Marshal("分析失敗，請重試")
	return &Result{
		Enthusiasm: &Enthusiasm{Score: DefaultScore, Level: LevelWarm},
		Replies:    map[string]string{"extend": "無法生成建議，請重試"},
		Warnings:   []Warning{},
		Sections:   map[string]json.RawMessage{"strategy": strategy},
	}
}
