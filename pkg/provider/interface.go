package provider

import (
	"context"
)

// Provider is the contract every analysis provider client implements.
// Concrete request formatting and authentication live behind this interface.
type Provider interface {
	// Name returns the stable provider name used for breakers, health
	// records and cache keys
	Name() string
	// Analyze performs one analysis call
	Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error)
	// Status reports current availability; used by health probes
	Status(ctx context.Context) (*Status, error)
}

// StreamingProvider is implemented by providers that can stream results
type StreamingProvider interface {
	Provider
	// Stream performs one analysis call, delivering chunks to the handler
	// as they arrive. The final chunk carries Final=true.
	Stream(ctx context.Context, req *AnalysisRequest, handler func(StreamChunk)) (*AnalysisResult, error)
}
