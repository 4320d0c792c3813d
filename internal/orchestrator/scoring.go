package orchestrator

import (
	"github.com/sentinelsec/aegis/pkg/provider"
)

// taskRequirements maps each task type to the capabilities it benefits from.
// The match ratio against a provider's strengths drives half of its score.
var taskRequirements = map[provider.TaskType][]provider.Capability{
	provider.TaskMalwareAnalysis:    {provider.CapabilityPatternRecognition, provider.CapabilitySpeed},
	provider.TaskCodeSecurityReview: {provider.CapabilityReasoning, provider.CapabilityCodeAnalysis},
	provider.TaskThreatIntelligence: {provider.CapabilityThreatIntel, provider.CapabilityReasoning},
	provider.TaskIncidentResponse:   {provider.CapabilityReasoning, provider.CapabilitySpeed},
	provider.TaskGeneralAnalysis:    {provider.CapabilityReasoning},
}

// Scoring weights and normalization bounds
const (
	weightCapability = 0.5
	weightCost       = 0.3
	weightLatency    = 0.2
	costCeiling      = 0.01 // $/token at which the cost term bottoms out
	latencyCeilingMs = 5000
	loadBoost        = 0.1
)

// score computes a provider's fitness for a task. Providers with below-mean
// in-flight load get a small boost so traffic spreads under contention.
func (o *Orchestrator) score(name string, task provider.TaskType) float64 {
	caps, ok := o.registry.Capabilities(name)
	if !ok {
		return 0
	}

	required := taskRequirements[task]
	matched := 0
	for _, c := range required {
		if caps.HasStrength(c) {
			matched++
		}
	}
	matchRatio := 1.0
	if len(required) > 0 {
		matchRatio = float64(matched) / float64(len(required))
	}

	costScore := 1 - caps.CostPerToken/costCeiling
	if costScore < 0 {
		costScore = 0
	}
	latencyScore := 1 - caps.AverageLatencyMs/latencyCeilingMs
	if latencyScore < 0 {
		latencyScore = 0
	}

	s := weightCapability*matchRatio + weightCost*costScore + weightLatency*latencyScore

	if float64(o.registry.Load(name)) < o.registry.MeanLoad() {
		s *= 1 + loadBoost
	}
	return s
}

// rankProviders orders all registered providers by descending score.
// Equal scores keep registration order.
func (o *Orchestrator) rankProviders(task provider.TaskType) []string {
	names := o.registry.Names()
	scores := make(map[string]float64, len(names))
	for _, name := range names {
		scores[name] = o.score(name, task)
	}

	ranked := make([]string, len(names))
	copy(ranked, names)
	// Stable insertion sort preserves registration order on ties
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && scores[ranked[j]] > scores[ranked[j-1]]; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	return ranked
}
