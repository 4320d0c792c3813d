// Package orchestrator classifies analysis requests, scores and selects
// providers, and executes one of four strategies across them: single with
// fallback, consensus ensemble, sequential chaining, or specialized routing.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelsec/aegis/internal/safety"
	"github.com/sentinelsec/aegis/pkg/breaker"
	"github.com/sentinelsec/aegis/pkg/bulkhead"
	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/logging"
	"github.com/sentinelsec/aegis/pkg/metrics"
	"github.com/sentinelsec/aegis/pkg/provider"
)

// Confidence assigned to synthetic and synthesized results
const (
	blockedConfidence    = 0.95
	sequentialConfidence = 0.9
)

// Orchestrator coordinates provider selection and strategy execution
type Orchestrator struct {
	registry *Registry
	breakers *breaker.Factory
	limiter  *bulkhead.Limiter
	safety   safety.Preprocessor
	routing  RoutingTable
	config   *config.OrchestratorConfig
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

// NewOrchestrator creates an orchestrator over the given collaborators
func NewOrchestrator(
	registry *Registry,
	breakers *breaker.Factory,
	limiter *bulkhead.Limiter,
	preprocessor safety.Preprocessor,
	routing RoutingTable,
	cfg *config.OrchestratorConfig,
	m *metrics.Metrics,
) *Orchestrator {
	if cfg == nil {
		cfg = &config.OrchestratorConfig{
			DefaultStrategy:    string(StrategySingle),
			CallTimeout:        60 * time.Second,
			ConsensusThreshold: 0.6,
			MaxConcurrent:      4,
		}
	}
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Orchestrator{
		registry: registry,
		breakers: breakers,
		limiter:  limiter,
		safety:   preprocessor,
		routing:  routing,
		config:   cfg,
		metrics:  m,
		logger:   logging.GetLogger(),
	}
}

// Analyze runs one request through the safety gate, classification and the
// selected strategy. A nil strategy uses the configured default.
func (o *Orchestrator) Analyze(ctx context.Context, req *provider.AnalysisRequest, strat *Strategy) (*provider.AnalysisResult, error) {
	if req == nil {
		return nil, errors.NewValidationError("request cannot be nil")
	}

	report, err := o.safety.Preprocess(ctx, req)
	if err != nil {
		return nil, errors.NewInternalError("content safety preprocessing failed").WithCause(err)
	}
	if !report.Safe {
		// Fail closed: blocking is a result, not an error. No provider
		// is ever invoked for unsafe content.
		o.logger.WithContext(ctx).WithField("request_id", req.ID).
			Warn("Request blocked by content safety gate")
		return blockedResult(req, report), nil
	}
	if report.Cleaned != "" && report.Cleaned != req.Content {
		cleaned := *req
		cleaned.Content = report.Cleaned
		req = &cleaned
	}

	task := Classify(req)

	if strat == nil {
		strat = &Strategy{Type: StrategyType(o.config.DefaultStrategy)}
	}

	switch strat.Type {
	case StrategyEnsemble:
		return o.executeEnsemble(ctx, task, req, strat)
	case StrategySequential:
		return o.executeSequential(ctx, task, req, strat)
	case StrategySpecialized:
		return o.executeSpecialized(ctx, task, req, strat)
	case StrategySingle, "":
		return o.executeSingle(ctx, task, req, strat)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown strategy type: %s", strat.Type))
	}
}

// blockedResult builds the synthetic terminal result for unsafe content
func blockedResult(req *provider.AnalysisRequest, report *safety.Report) *provider.AnalysisResult {
	return &provider.AnalysisResult{
		ID:         req.ID,
		Verdict:    provider.VerdictMalicious,
		Confidence: blockedConfidence,
		Threats:    report.Threats,
		Details:    "content blocked by safety preprocessing",
		Metadata: map[string]interface{}{
			"blocked":  true,
			"warnings": report.Warnings,
		},
		CreatedAt: time.Now(),
	}
}

// invoke runs one provider call through its circuit breaker inside the
// provider's bulkhead, racing it against the per-call timeout. A call that
// loses the race counts as that provider's failure; its eventual completion
// is discarded and touches no shared state.
func (o *Orchestrator) invoke(ctx context.Context, name string, task provider.TaskType, req *provider.AnalysisRequest, timeout time.Duration) (*provider.AnalysisResult, error) {
	p, err := o.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = o.config.CallTimeout
	}

	release := o.registry.acquire(name)
	defer release()

	endpoint := breakerKey(name, task)
	start := time.Now()
	result, err := o.limiter.RunLimited(ctx, name, func(ctx context.Context) (interface{}, error) {
		return o.breakers.Execute(ctx, endpoint, func(ctx context.Context) (interface{}, error) {
			return raceTimeout(ctx, p, req, timeout)
		})
	})
	o.metrics.ObserveProviderCall(name, string(task), time.Since(start), err)

	if err != nil {
		return nil, err
	}
	return result.(*provider.AnalysisResult), nil
}

// breakerKey is the stable per-provider-and-task circuit breaker key
func breakerKey(name string, task provider.TaskType) string {
	return name + ":" + string(task)
}

// raceTimeout runs the provider call against a timer; first signal wins.
// The losing call's completion lands in a buffered channel and is dropped.
func raceTimeout(ctx context.Context, p provider.Provider, req *provider.AnalysisRequest, timeout time.Duration) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *provider.AnalysisResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := p.Analyze(callCtx, req)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-callCtx.Done():
		return nil, errors.NewTimeoutError("analysis call to " + p.Name())
	}
}

// executeSingle invokes the top-scored (or caller-specified) provider and
// walks its fixed fallback chain on failure
func (o *Orchestrator) executeSingle(ctx context.Context, task provider.TaskType, req *provider.AnalysisRequest, strat *Strategy) (*provider.AnalysisResult, error) {
	var primary string
	if len(strat.Providers) > 0 {
		primary = strat.Providers[0]
	} else {
		ranked := o.rankProviders(task)
		if len(ranked) == 0 {
			return nil, errors.NewExhaustedError("no providers registered", nil)
		}
		primary = ranked[0]
	}

	chain := append([]string{primary}, o.routing.Fallbacks[primary]...)

	var lastErr error
	for _, name := range chain {
		result, err := o.invoke(ctx, name, task, req, strat.Timeout)
		if err == nil {
			o.annotate(result, StrategySingle, []string{name}, nil)
			return result, nil
		}
		lastErr = err
		o.logger.WithContext(ctx).WithField("provider", name).
			WithField("error", err.Error()).
			Warn("Provider failed, trying next in fallback chain")
	}
	return nil, errors.NewExhaustedError(
		fmt.Sprintf("all %d providers in fallback chain failed", len(chain)), lastErr)
}

// settledCall is one finished ensemble member
type settledCall struct {
	name   string
	result *provider.AnalysisResult
	err    error
}

// executeEnsemble launches the selected providers concurrently with a shared
// per-call timeout, waits for every call to settle, then builds a majority
// consensus over the settled successes. It never returns on the first result
// and never fails purely for low consensus.
func (o *Orchestrator) executeEnsemble(ctx context.Context, task provider.TaskType, req *provider.AnalysisRequest, strat *Strategy) (*provider.AnalysisResult, error) {
	names := strat.Providers
	if len(names) == 0 {
		ranked := o.rankProviders(task)
		if len(ranked) > 3 {
			ranked = ranked[:3]
		}
		names = ranked
	}
	if len(names) == 0 {
		return nil, errors.NewExhaustedError("no providers registered", nil)
	}

	threshold := strat.ConsensusThreshold
	if threshold <= 0 {
		threshold = o.config.ConsensusThreshold
	}

	settled := make([]settledCall, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			result, err := o.invoke(ctx, name, task, req, strat.Timeout)
			settled[i] = settledCall{name: name, result: result, err: err}
			return nil
		})
	}
	// Settle-all barrier: consensus is only built once every launched call
	// has finished, success or failure
	g.Wait()

	var successes []settledCall
	var lastErr error
	for _, s := range settled {
		if s.err != nil {
			lastErr = s.err
			continue
		}
		successes = append(successes, s)
	}
	if len(successes) == 0 {
		o.metrics.ConsensusOperationsInc("exhausted")
		return nil, errors.NewExhaustedError("every ensemble member failed", lastErr)
	}

	result := o.buildConsensus(ctx, successes, threshold)
	o.annotate(result, StrategyEnsemble, contributorNames(successes), nil)
	return result, nil
}

// buildConsensus groups settled successes by verdict and merges the
// majority group
func (o *Orchestrator) buildConsensus(ctx context.Context, successes []settledCall, threshold float64) *provider.AnalysisResult {
	votes := make(map[provider.Verdict]int)
	for _, s := range successes {
		votes[s.result.Verdict]++
	}

	// Majority verdict; ties resolve to the verdict seen first in launch order
	var majority provider.Verdict
	majorityCount := 0
	for _, s := range successes {
		if votes[s.result.Verdict] > majorityCount {
			majority = s.result.Verdict
			majorityCount = votes[s.result.Verdict]
		}
	}

	var group []settledCall
	for _, s := range successes {
		if s.result.Verdict == majority {
			group = append(group, s)
		}
	}

	ratio := float64(majorityCount) / float64(len(successes))
	if ratio < threshold {
		o.logger.WithContext(ctx).
			WithField("consensus_ratio", ratio).
			WithField("threshold", threshold).
			Warn("Ensemble consensus below threshold, returning best-effort merge")
		o.metrics.ConsensusOperationsInc("low_confidence")
	} else {
		o.metrics.ConsensusOperationsInc("ok")
	}
	o.metrics.ConsensusRatioObserve(ratio)

	merged := mergeGroup(group)
	merged.Metadata["consensus"] = map[string]interface{}{
		"ratio":    ratio,
		"votes":    majorityCount,
		"settled":  len(successes),
		"verdicts": verdictCounts(votes),
	}
	return merged
}

// mergeGroup merges the consensus group: mean confidence, deduplicated
// threat union, newline-joined narratives
func mergeGroup(group []settledCall) *provider.AnalysisResult {
	var confidenceSum float64
	seen := make(map[string]struct{})
	var threats []string
	var details []string
	var recommendations []string
	recSeen := make(map[string]struct{})

	for _, s := range group {
		confidenceSum += s.result.Confidence
		for _, threat := range s.result.Threats {
			if _, ok := seen[threat]; !ok {
				seen[threat] = struct{}{}
				threats = append(threats, threat)
			}
		}
		if d := strings.TrimSpace(s.result.Details); d != "" {
			details = append(details, d)
		}
		for _, rec := range s.result.Recommendations {
			if _, ok := recSeen[rec]; !ok {
				recSeen[rec] = struct{}{}
				recommendations = append(recommendations, rec)
			}
		}
	}

	return &provider.AnalysisResult{
		ID:              group[0].result.ID,
		Verdict:         group[0].result.Verdict,
		Confidence:      confidenceSum / float64(len(group)),
		Threats:         threats,
		Details:         strings.Join(details, "\n"),
		Recommendations: recommendations,
		Metadata:        make(map[string]interface{}),
		CreatedAt:       time.Now(),
	}
}

// executeSequential invokes providers in a fixed task-specific order,
// passing each stage's output to the next as additional context. The final
// answer synthesizes all stage outputs; the last stage is authoritative.
func (o *Orchestrator) executeSequential(ctx context.Context, task provider.TaskType, req *provider.AnalysisRequest, strat *Strategy) (*provider.AnalysisResult, error) {
	order := strat.Providers
	if len(order) == 0 {
		order = o.routing.SequentialOrders[task]
	}
	if len(order) == 0 {
		order = o.rankProviders(task)
	}
	if len(order) == 0 {
		return nil, errors.NewExhaustedError("no providers registered", nil)
	}

	var stages []settledCall
	var priorContext []string
	var lastErr error

	for _, name := range order {
		stageReq := *req
		if len(priorContext) > 0 {
			md := make(map[string]interface{}, len(req.Metadata)+1)
			for k, v := range req.Metadata {
				md[k] = v
			}
			md["prior_analyses"] = strings.Join(priorContext, "\n---\n")
			stageReq.Metadata = md
		}

		result, err := o.invoke(ctx, name, task, &stageReq, strat.Timeout)
		if err != nil {
			lastErr = err
			o.logger.WithContext(ctx).WithField("provider", name).
				WithField("error", err.Error()).
				Warn("Sequential stage failed, continuing chain")
			continue
		}
		stages = append(stages, settledCall{name: name, result: result})
		priorContext = append(priorContext,
			fmt.Sprintf("%s verdict=%s confidence=%.2f\n%s", name, result.Verdict, result.Confidence, result.Details))
	}

	if len(stages) == 0 {
		return nil, errors.NewExhaustedError("every sequential stage failed", lastErr)
	}

	final := stages[len(stages)-1].result
	merged := mergeGroup(stages)
	merged.Verdict = final.Verdict
	merged.Confidence = sequentialConfidence
	o.annotate(merged, StrategySequential, contributorNames(stages), nil)
	return merged, nil
}

// executeSpecialized dispatches by task type through the static routing
// table, delegating to one of the other three strategies
func (o *Orchestrator) executeSpecialized(ctx context.Context, task provider.TaskType, req *provider.AnalysisRequest, strat *Strategy) (*provider.AnalysisResult, error) {
	route, ok := o.routing.Specialized[task]
	if !ok {
		route = Strategy{Type: StrategySingle}
	}
	if route.Timeout == 0 {
		route.Timeout = strat.Timeout
	}

	switch route.Type {
	case StrategyEnsemble:
		return o.executeEnsemble(ctx, task, req, &route)
	case StrategySequential:
		return o.executeSequential(ctx, task, req, &route)
	default:
		return o.executeSingle(ctx, task, req, &route)
	}
}

// annotate records strategy and contributors in the result metadata
func (o *Orchestrator) annotate(result *provider.AnalysisResult, strat StrategyType, providers []string, extra map[string]interface{}) {
	if result.Metadata == nil {
		result.Metadata = make(map[string]interface{})
	}
	result.Metadata["strategy"] = string(strat)
	result.Metadata["providers"] = providers
	for k, v := range extra {
		result.Metadata[k] = v
	}
}

func contributorNames(calls []settledCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.name
	}
	return names
}

func verdictCounts(votes map[provider.Verdict]int) map[string]int {
	out := make(map[string]int, len(votes))
	keys := make([]string, 0, len(votes))
	for v := range votes {
		keys = append(keys, string(v))
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = votes[provider.Verdict(k)]
	}
	return out
}
