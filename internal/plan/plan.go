// Package plan holds the static subscription tables: quota ceilings and the
// response features each tier is entitled to.
package plan

import "fmt"

type Tier string

const (
	TierFree      Tier = "free"
	TierStarter   Tier = "starter"
	TierEssential Tier = "essential"
)

// MinuteLimit is the per-minute request ceiling shared by every tier.
const MinuteLimit = 5

// Limits are the message-unit ceilings of a tier.
type Limits struct {
	Monthly int
	Daily   int
}

// Feature names a reply category or optional analysis section.
type Feature string

const (
	FeatureExtend       Feature = "extend"
	FeatureResonate     Feature = "resonate"
	FeatureTease        Feature = "tease"
	FeatureHumor        Feature = "humor"
	FeatureColdRead     Feature = "coldRead"
	FeatureNeedyWarning Feature = "needy_warning"
	FeatureTopicDepth   Feature = "topic_depth"
	FeatureHealthCheck  Feature = "health_check"
)

var tierLimits = map[Tier]Limits{
	TierFree:      {Monthly: 30, Daily: 15},
	TierStarter:   {Monthly: 300, Daily: 50},
	TierEssential: {Monthly: 1000, Daily: 150},
}

var starterFeatures = []Feature{
	FeatureExtend,
	FeatureResonate,
	FeatureTease,
	FeatureHumor,
	FeatureColdRead,
	FeatureNeedyWarning,
	FeatureTopicDepth,
}

var tierFeatures = map[Tier][]Feature{
	TierFree:      {FeatureExtend},
	TierStarter:   starterFeatures,
	TierEssential: append(append([]Feature{}, starterFeatures...), FeatureHealthCheck),
}

// ParseTier validates a stored tier value.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierLimits[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// LimitsFor returns the ceilings of a tier; unknown tiers get the free ceilings.
func LimitsFor(t Tier) Limits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// FeaturesFor returns the feature set of a tier; unknown tiers get the free set.
func FeaturesFor(t Tier) FeatureSet {
	list, ok := tierFeatures[t]
	if !ok {
		list = tierFeatures[TierFree]
	}
	set := make(FeatureSet, len(list))
	for _, f := range list {
		set[f] = struct{}{}
	}
	return set
}

type FeatureSet map[Feature]struct{}

func (s FeatureSet) Has(f Feature) bool {
	_, ok := s[f]
	return ok
}
