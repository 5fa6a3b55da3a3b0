package engine

import (
	"encoding/json"

	"github.com/aaron031291/grace-memory/pkg/types"
)

// anomalyLowPerformance is the anomaly class for payloads scoring below
// the admission floor.
const anomalyLowPerformance = "low_performance"

// perfScoreFloor is the admission score below which a payload is flagged
// anomalous.
const perfScoreFloor = 0.3

// refactorSeverity is the anomaly severity at which the payload is tagged
// and refactored instead of committed as-is.
const refactorSeverity = 0.5

// immutableScoreFloor is the admission score above which a payload is
// placed in the immutable tier.
const immutableScoreFloor = 0.7

// degradationRate derives a node's per-tick decay coefficient from its
// payload size and tier. Volatile entries decay faster the larger they
// are; anchored content barely degrades.
func degradationRate(content map[string]interface{}, t types.Tier) float64 {
	encoded, err := json.Marshal(content)
	if err != nil {
		encoded = nil
	}
	kb := float64(len(encoded)) / 1024.0

	switch t {
	case types.TierVolatile:
		rate := 0.1 + kb*0.01
		if rate > 0.5 {
			rate = 0.5
		}
		return rate
	case types.TierImmutable:
		return 0.01
	default:
		return 0.05
	}
}

// checkAnomaly flags payloads whose admission score falls below the floor.
func checkAnomaly(perfScore float64) *types.Anomaly {
	if perfScore >= perfScoreFloor {
		return nil
	}
	return &types.Anomaly{
		Type:     anomalyLowPerformance,
		Severity: 1.0 - perfScore,
	}
}

// refactorPayload tags an anomalous payload instead of rejecting it: the
// original is fingerprinted, the anomaly class recorded, and the copy
// committed in the original's place.
func refactorPayload(payload map[string]interface{}, anomaly *types.Anomaly) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		out[k] = v
	}
	out[types.RefactoredKey] = true
	out[types.AnomalyKey] = anomaly.Type
	out[types.OriginalHashKey] = contentDigest(payload)
	return out
}
