package analysis

import (
	"fmt"
	"strings"
)

// Message is one turn of the conversation being analysed.
type Message struct {
	IsFromMe bool   `json:"isFromMe"`
	Content  string `json:"content"`
}

type SessionContext struct {
	MeetingContext string `json:"meetingContext,omitempty"`
	Duration       string `json:"duration,omitempty"`
	Goal           string `json:"goal,omitempty"`
	// LastEnthusiasm is the level reported by a previous analysis of the same conversation.
	LastEnthusiasm  string `json:"lastEnthusiasm,omitempty"`
	ComplexEmotions bool   `json:"complexEmotions,omitempty"`
}

const (
	speakerMe    = "我"
	speakerOther = "她"
	unknownValue = "未知"
	defaultGoal  = "約出來"
)

// BuildPrompt renders the user turn sent to the model: an optional session
// context block followed by the speaker-labelled transcript.
func BuildPrompt(messages []Message, sc *SessionContext) string {
	var b strings.Builder

	if sc != nil {
		fmt.Fprintf(&b, "\n## 情境資訊\n- 認識場景：%s\n- 認識時長：%s\n- 用戶目標：%s\n",
			orDefault(sc.MeetingContext, unknownValue),
			orDefault(sc.Duration, unknownValue),
			orDefault(sc.Goal, defaultGoal),
		)
	}

	b.WriteString("\n分析以下對話並提供建議：\n\n")
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		speaker := speakerOther
		if m.IsFromMe {
			speaker = speakerMe
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
