package proxy

import (
	"github.com/PoYuTsai/VibeSync/internal/analysis"
	"github.com/PoYuTsai/VibeSync/internal/fallback"
	"github.com/PoYuTsai/VibeSync/internal/plan"
)

const (
	longConversationTurns    = 20
	firstAnalysisMaxMessages = 5
)

// ModelContext is everything model selection looks at.
type ModelContext struct {
	Tier            plan.Tier
	Turns           int
	Enthusiasm      string // level from a previous analysis, empty if unknown
	ComplexEmotions bool
	FirstAnalysis   bool
}

// Router picks the primary or the cheaper secondary model per request.
type Router struct {
	primary   string
	secondary string
}

func NewRouter(primary, secondary string) *Router {
	return &Router{primary: primary, secondary: secondary}
}

// Chain is the degradation order handed to the fallback caller.
func (r *Router) Chain() fallback.Chain {
	return fallback.Chain{r.primary, r.secondary}
}

func (r *Router) Select(mc ModelContext) string {
	if mc.Tier == plan.TierEssential {
		return r.primary
	}
	if mc.Turns > longConversationTurns ||
		mc.Enthusiasm == analysis.LevelCold ||
		mc.ComplexEmotions ||
		mc.FirstAnalysis {
		return r.primary
	}
	return r.secondary
}

// ContextFor derives the selection context from an analyze request.
func ContextFor(tier plan.Tier, req *AnalyzeRequest) ModelContext {
	mc := ModelContext{
		Tier:          tier,
		Turns:         len(req.Messages),
		FirstAnalysis: len(req.Messages) <= firstAnalysisMaxMessages,
	}
	if sc := req.SessionContext; sc != nil {
		mc.Enthusiasm = sc.LastEnthusiasm
		mc.ComplexEmotions = sc.ComplexEmotions
	}
	return mc
}
