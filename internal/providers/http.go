// Package providers implements the generic JSON-over-HTTP client used to
// talk to the upstream analysis providers. All three named providers speak
// a chat-completion shaped API; per-provider differences are confined to
// base URL, model name and credentials.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/provider"
)

const systemPrompt = "You are a security analyst. Analyze the submitted content " +
	"and respond with a verdict line (benign, suspicious or malicious), observed " +
	"threats, and recommendations."

// Config describes one upstream provider endpoint
type Config struct {
	Name    string        `json:"name"`
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"-"`
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout"`
}

// HTTPProvider is a chat-completion client for one upstream provider.
// It implements both Provider and StreamingProvider.
type HTTPProvider struct {
	config Config
	client *http.Client
}

// New creates an HTTP provider client
func New(cfg Config) (*HTTPProvider, error) {
	if cfg.Name == "" {
		return nil, errors.NewValidationError("provider name is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.NewValidationError("provider base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the stable provider name
func (p *HTTPProvider) Name() string {
	return p.config.Name
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
		Delta   chatMessage `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Analyze performs one analysis call
func (p *HTTPProvider) Analyze(ctx context.Context, req *provider.AnalysisRequest) (*provider.AnalysisResult, error) {
	body, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, errors.NewProviderError(p.config.Name, "malformed response body").WithCause(err)
	}
	if parsed.Error != nil {
		return nil, errors.NewProviderError(p.config.Name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.NewProviderError(p.config.Name, "response contained no choices")
	}

	return p.buildResult(req, parsed.Choices[0].Message.Content), nil
}

// Stream performs one analysis call, delivering content deltas to the
// handler as server-sent events arrive
func (p *HTTPProvider) Stream(ctx context.Context, req *provider.AnalysisRequest, handler func(provider.StreamChunk)) (*provider.AnalysisResult, error) {
	body, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var parsed chatResponse
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}
		if len(parsed.Choices) == 0 {
			continue
		}
		content := parsed.Choices[0].Delta.Content
		if content == "" {
			content = parsed.Choices[0].Message.Content
		}
		if content == "" {
			continue
		}
		full.WriteString(content)
		handler(provider.StreamChunk{Provider: p.config.Name, Content: content})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewProviderError(p.config.Name, "stream interrupted").WithCause(err)
	}

	handler(provider.StreamChunk{Provider: p.config.Name, Final: true})
	return p.buildResult(req, full.String()), nil
}

// Status probes the upstream models endpoint
func (p *HTTPProvider) Status(ctx context.Context) (*provider.Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, errors.NewInternalError("failed to build status request").WithCause(err)
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &provider.Status{Available: false, Healthy: false, Message: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &provider.Status{
			Available: true,
			Healthy:   false,
			Message:   fmt.Sprintf("status probe returned %d", resp.StatusCode),
		}, nil
	}
	return &provider.Status{Available: true, Healthy: true}, nil
}

func (p *HTTPProvider) buildRequest(req *provider.AnalysisRequest, stream bool) *chatRequest {
	content := req.Content
	if prior, ok := req.Metadata["prior_analyses"].(string); ok && prior != "" {
		content = "Prior analyses:\n" + prior + "\n\nContent:\n" + content
	}
	return &chatRequest{
		Model:  p.config.Model,
		Stream: stream,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: content},
		},
	}
}

func (p *HTTPProvider) post(ctx context.Context, payload *chatRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode provider request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewInternalError("failed to build provider request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.NewProviderError(p.config.Name, "request failed").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		appErr := errors.NewProviderError(p.config.Name,
			fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
		// Client errors other than rate limiting will not succeed on retry
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			appErr = appErr.WithRetryable(false)
		}
		return nil, appErr
	}
	return resp.Body, nil
}

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
}

func (p *HTTPProvider) buildResult(req *provider.AnalysisRequest, content string) *provider.AnalysisResult {
	verdict, confidence := parseVerdict(content)
	return &provider.AnalysisResult{
		ID:         req.ID,
		Verdict:    verdict,
		Confidence: confidence,
		Details:    content,
		Metadata: map[string]interface{}{
			"provider": p.config.Name,
			"model":    p.config.Model,
		},
		CreatedAt: time.Now(),
	}
}

// parseVerdict extracts the categorical verdict from the analysis text.
// The most severe verdict mentioned wins; text with no verdict is unknown.
func parseVerdict(content string) (provider.Verdict, float64) {
	lowered := strings.ToLower(content)
	for _, candidate := range []provider.Verdict{
		provider.VerdictMalicious,
		provider.VerdictSuspicious,
		provider.VerdictBenign,
	} {
		if strings.Contains(lowered, string(candidate)) {
			return candidate, 0.8
		}
	}
	return provider.VerdictUnknown, 0.3
}
