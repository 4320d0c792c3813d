package orchestrator

import (
	"time"

	"github.com/sentinelsec/aegis/pkg/provider"
)

// StrategyType selects how a request is spread across providers
type StrategyType string

const (
	StrategySingle      StrategyType = "single"
	StrategyEnsemble    StrategyType = "ensemble"
	StrategySequential  StrategyType = "sequential"
	StrategySpecialized StrategyType = "specialized"
)

// Strategy describes one orchestration run
type Strategy struct {
	Type               StrategyType  `json:"type"`
	Providers          []string      `json:"providers,omitempty"`
	ConsensusThreshold float64       `json:"consensus_threshold,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty"`
}

// RoutingTable carries the editorial routing choices: per-provider fallback
// chains, per-task sequential orders and the specialized dispatch table.
// These are configuration data rather than inlined logic so operators can
// revise the pairings without a code change.
type RoutingTable struct {
	// Fallbacks maps a provider to its ordered fallback chain for the
	// single strategy
	Fallbacks map[string][]string
	// SequentialOrders maps a task type to the fixed provider order of the
	// sequential strategy
	SequentialOrders map[provider.TaskType][]string
	// Specialized maps a task type to the strategy the specialized
	// dispatcher delegates to
	Specialized map[provider.TaskType]Strategy
}

// DefaultRoutingTable returns the routing currently in production use.
// Each provider falls back to the other two in a fixed order.
func DefaultRoutingTable() RoutingTable {
	return RoutingTable{
		Fallbacks: map[string][]string{
			provider.ProviderClaude:   {provider.ProviderOpenAI, provider.ProviderDeepSeek},
			provider.ProviderOpenAI:   {provider.ProviderClaude, provider.ProviderDeepSeek},
			provider.ProviderDeepSeek: {provider.ProviderOpenAI, provider.ProviderClaude},
		},
		SequentialOrders: map[provider.TaskType][]string{
			provider.TaskIncidentResponse: {
				provider.ProviderDeepSeek,
				provider.ProviderOpenAI,
				provider.ProviderClaude,
			},
		},
		Specialized: map[provider.TaskType]Strategy{
			// Malware triage wants the fast pattern-recognition specialist
			provider.TaskMalwareAnalysis: {
				Type:      StrategySingle,
				Providers: []string{provider.ProviderDeepSeek},
			},
			// Code review routes to the strongest reasoning provider
			provider.TaskCodeSecurityReview: {
				Type:      StrategySingle,
				Providers: []string{provider.ProviderClaude},
			},
			provider.TaskThreatIntelligence: {
				Type:               StrategyEnsemble,
				Providers:          []string{provider.ProviderOpenAI, provider.ProviderClaude},
				ConsensusThreshold: 0.8,
			},
			provider.TaskIncidentResponse: {
				Type: StrategySequential,
				Providers: []string{
					provider.ProviderDeepSeek,
					provider.ProviderOpenAI,
					provider.ProviderClaude,
				},
			},
		},
	}
}
