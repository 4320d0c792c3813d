package provider

// Capability tags describe what a provider is good at
type Capability string

const (
	CapabilityReasoning          Capability = "reasoning"
	CapabilityPatternRecognition Capability = "pattern_recognition"
	CapabilityCodeAnalysis       Capability = "code_analysis"
	CapabilityThreatIntel        Capability = "threat_intel"
	CapabilitySpeed              Capability = "speed"
	CapabilityLongContext        Capability = "long_context"
)

// Capabilities is static per-provider metadata used for scoring and routing.
// Created once at startup, read-only thereafter.
type Capabilities struct {
	Strengths           []Capability `json:"strengths"`
	Weaknesses          []Capability `json:"weaknesses,omitempty"`
	CostPerToken        float64      `json:"cost_per_token"`
	AverageLatencyMs    float64      `json:"average_latency_ms"`
	ContextWindowTokens int          `json:"context_window_tokens"`
}

// HasStrength reports whether the capability is among the provider's strengths
func (c Capabilities) HasStrength(cap Capability) bool {
	for _, s := range c.Strengths {
		if s == cap {
			return true
		}
	}
	return false
}

// Well-known provider names
const (
	ProviderClaude   = "claude"
	ProviderOpenAI   = "openai"
	ProviderDeepSeek = "deepseek"
)

// DefaultCapabilities returns the static capability table for the known
// providers. Numbers are editorial operating estimates, tuned from observed
// production latency and published pricing.
func DefaultCapabilities() map[string]Capabilities {
	return map[string]Capabilities{
		ProviderClaude: {
			Strengths: []Capability{
				CapabilityReasoning,
				CapabilityCodeAnalysis,
				CapabilityLongContext,
			},
			Weaknesses:          []Capability{CapabilitySpeed},
			CostPerToken:        0.008,
			AverageLatencyMs:    2500,
			ContextWindowTokens: 200000,
		},
		ProviderOpenAI: {
			Strengths: []Capability{
				CapabilityReasoning,
				CapabilityThreatIntel,
				CapabilityCodeAnalysis,
			},
			CostPerToken:        0.006,
			AverageLatencyMs:    2000,
			ContextWindowTokens: 128000,
		},
		ProviderDeepSeek: {
			Strengths: []Capability{
				CapabilityPatternRecognition,
				CapabilitySpeed,
			},
			Weaknesses:          []Capability{CapabilityLongContext},
			CostPerToken:        0.001,
			AverageLatencyMs:    1200,
			ContextWindowTokens: 64000,
		},
	}
}
