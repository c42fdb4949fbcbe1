package risk

import (
	"math"
	"time"

	"github.com/oversightgw/oversightgw/internal/policy"
	"github.com/oversightgw/oversightgw/internal/store"
)

// DetectCompound counts prior actions on the same (session, target) within
// the policy's compound time window and reports whether this action
// should be classified as compound. An empty target never compounds, per
// spec invariant 7.
func DetectCompound(st store.Store, sessionID, target string, p *policy.Policy) (isCompound bool, compoundCount int, err error) {
	if target == "" {
		return false, 1, nil
	}

	window := time.Duration(p.CompoundDetection.TimeWindowSeconds) * time.Second
	since := time.Now().UTC().Add(-window)

	n, err := st.CountActions(sessionID, target, since)
	if err != nil {
		return false, 1, err
	}

	if n >= p.CompoundDetection.MinCount-1 {
		return true, n + 1, nil
	}
	return false, 1, nil
}

// ApplyCompoundBoost multiplies breadth by (1 + same_resource_boost *
// compound_count) when the action is compound, clamped to [0,1].
func ApplyCompoundBoost(breadth float64, isCompound bool, compoundCount int, p *policy.Policy) float64 {
	if !isCompound {
		return breadth
	}
	return clamp01(breadth * (1 + p.CompoundDetection.SameResourceBoost*float64(compoundCount)))
}

// NearMissMultiplier fetches every NearMiss record matching action (exact,
// case-sensitive) and accumulates a decayed, severity-weighted multiplier,
// capped at the policy's max_multiplier. An empty history is the identity
// multiplier (1.0), never an error, per spec §7.
func NearMissMultiplier(st store.Store, action string, p *policy.Policy) (float64, error) {
	since := time.Time{} // all history; decay makes old entries negligible, not absent
	misses, err := st.ListNearMisses(action, p.NearMiss.MinSeverity, since)
	if err != nil {
		return 1.0, err
	}

	multiplier := 1.0
	now := time.Now().UTC()
	halfLife := p.NearMiss.HalfLifeHours

	for _, nm := range misses {
		if nm.ActualSeverity < p.NearMiss.MinSeverity {
			continue
		}
		ageHours := now.Sub(nm.CreatedAt).Hours()
		decay := math.Pow(0.5, ageHours/halfLife)
		multiplier += nm.ActualSeverity * 0.5 * decay
	}

	if multiplier > p.NearMiss.MaxMultiplier {
		multiplier = p.NearMiss.MaxMultiplier
	}
	return multiplier, nil
}

// ApplyNearMissMultiplier multiplies probability by the given multiplier,
// clamped to [0,1] (the multiplier itself may exceed 1, raising
// probability; it can never push it below its input).
func ApplyNearMissMultiplier(probability, multiplier float64) float64 {
	return clamp01(probability * multiplier)
}
