// Package safety defines the content-safety preprocessing contract applied
// to every request before any provider is invoked. An unsafe verdict is
// terminal: orchestration short-circuits to a blocked result and never
// reaches a provider.
package safety

import (
	"context"
	"strings"

	"github.com/sentinelsec/aegis/pkg/provider"
)

// Report is the outcome of preprocessing one request
type Report struct {
	Safe     bool                   `json:"safe"`
	Cleaned  string                 `json:"cleaned,omitempty"`
	Threats  []string               `json:"threats,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Preprocessor is the content-safety contract. The full pipeline lives
// outside this core; implementations here cover local rule checks.
type Preprocessor interface {
	Preprocess(ctx context.Context, req *provider.AnalysisRequest) (*Report, error)
}

// RulePreprocessor applies local prompt-injection and size rules
type RulePreprocessor struct {
	maxContentBytes int
}

// NewRulePreprocessor creates the default rule-based preprocessor
func NewRulePreprocessor() *RulePreprocessor {
	return &RulePreprocessor{maxContentBytes: 4 << 20}
}

// injectionMarkers are phrases that indicate an attempt to steer the
// downstream model rather than submit content for analysis
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard your instructions",
	"you are now",
	"system prompt:",
}

// Preprocess checks the request against local rules
func (p *RulePreprocessor) Preprocess(ctx context.Context, req *provider.AnalysisRequest) (*Report, error) {
	report := &Report{
		Safe:     true,
		Cleaned:  req.Content,
		Metadata: map[string]interface{}{"preprocessor": "rules"},
	}

	if len(req.Content)+len(req.Binary) > p.maxContentBytes {
		report.Safe = false
		report.Threats = append(report.Threats, "content_size_exceeded")
		return report, nil
	}

	lowered := strings.ToLower(req.Content)
	for _, marker := range injectionMarkers {
		if strings.Contains(lowered, marker) {
			report.Safe = false
			report.Threats = append(report.Threats, "prompt_injection")
			return report, nil
		}
	}

	if strings.ContainsRune(req.Content, '\x00') {
		report.Warnings = append(report.Warnings, "null_bytes_stripped")
		report.Cleaned = strings.ReplaceAll(req.Content, "\x00", "")
	}

	return report, nil
}

// PassthroughPreprocessor approves everything; used when the external
// pipeline already ran upstream
type PassthroughPreprocessor struct{}

// Preprocess approves the request unchanged
func (PassthroughPreprocessor) Preprocess(ctx context.Context, req *provider.AnalysisRequest) (*Report, error) {
	return &Report{Safe: true, Cleaned: req.Content}, nil
}
