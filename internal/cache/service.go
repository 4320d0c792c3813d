// Package cache provides the analysis response cache: a deterministic
// key scheme over request content plus a typed service on a pluggable store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/errors"
	"github.com/sentinelsec/aegis/pkg/logging"
	"github.com/sentinelsec/aegis/pkg/provider"
)

// Cache key prefixes and tags
const (
	keyPrefix      = "aegis:result"
	TagResults     = "results"
	tagTaskPrefix  = "task:"
	tagScopePrefix = "scope:"
)

// Key builds the deterministic cache key for a request. The key is a pure
// function of content hash, task type, execution scope (provider or strategy
// name) and canonicalized options: identical inputs always yield the same
// key, making cached results safely reusable.
func Key(content string, taskType provider.TaskType, scope string, options map[string]interface{}) string {
	contentHash := sha256.Sum256([]byte(content))

	h := sha256.New()
	h.Write(contentHash[:])
	h.Write([]byte{0})
	h.Write([]byte(taskType))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(canonicalOptions(options))

	return fmt.Sprintf("%s:%s", keyPrefix, hex.EncodeToString(h.Sum(nil)))
}

// canonicalOptions serializes options with sorted keys so that map iteration
// order never changes the key
func canonicalOptions(options map[string]interface{}) []byte {
	if len(options) == 0 {
		return nil
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		buf = append(buf, k...)
		buf = append(buf, '=')
		encoded, err := json.Marshal(options[k])
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", options[k]))
		}
		buf = append(buf, encoded...)
		buf = append(buf, ';')
	}
	return buf
}

// Service is the typed response cache over a Store
type Service struct {
	store  Store
	config *config.CacheConfig
	logger *logging.Logger
}

// NewService creates a response cache service
func NewService(store Store, cfg *config.CacheConfig) *Service {
	if cfg == nil {
		cfg = &config.CacheConfig{
			DefaultTTL: time.Hour,
			ResultTTL:  24 * time.Hour,
			Enabled:    true,
		}
	}
	return &Service{
		store:  store,
		config: cfg,
		logger: logging.GetLogger(),
	}
}

// Enabled reports whether caching is on
func (s *Service) Enabled() bool {
	return s.config.Enabled
}

// Health checks the backing store's reachability. Stores without a health
// check are assumed reachable.
func (s *Service) Health(ctx context.Context) error {
	if checker, ok := s.store.(interface{ Health(context.Context) error }); ok {
		return checker.Health(ctx)
	}
	return nil
}

// GetResult returns the cached result for the request, or a not_found error.
// The returned result is marked as served from cache in its metadata.
func (s *Service) GetResult(ctx context.Context, content string, taskType provider.TaskType, scope string, options map[string]interface{}) (*provider.AnalysisResult, error) {
	if !s.config.Enabled {
		return nil, errors.NewNotFoundError("cache key")
	}

	key := Key(content, taskType, scope, options)
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var result provider.AnalysisResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, errors.NewInternalError("failed to deserialize cached result").WithCause(err)
	}
	if result.Metadata == nil {
		result.Metadata = make(map[string]interface{})
	}
	result.Metadata["cached"] = true
	return &result, nil
}

// SetResult caches the result for the request
func (s *Service) SetResult(ctx context.Context, content string, taskType provider.TaskType, scope string, options map[string]interface{}, result *provider.AnalysisResult) error {
	if !s.config.Enabled {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return errors.NewInternalError("failed to serialize result").WithCause(err)
	}

	ttl := s.config.ResultTTL
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	key := Key(content, taskType, scope, options)
	tags := []string{
		TagResults,
		tagTaskPrefix + string(taskType),
		tagScopePrefix + scope,
	}
	if err := s.store.Set(ctx, key, string(data), ttl, tags); err != nil {
		s.logger.Warn("Failed to cache analysis result", "error", err.Error())
		return err
	}
	return nil
}

// InvalidateTask removes all cached results for a task type
func (s *Service) InvalidateTask(ctx context.Context, taskType provider.TaskType) (int, error) {
	return s.store.ClearByTag(ctx, tagTaskPrefix+string(taskType))
}

// InvalidateScope removes all cached results for a provider or strategy scope
func (s *Service) InvalidateScope(ctx context.Context, scope string) (int, error) {
	return s.store.ClearByTag(ctx, tagScopePrefix+scope)
}

// InvalidateAll removes every cached result
func (s *Service) InvalidateAll(ctx context.Context) (int, error) {
	return s.store.ClearByTag(ctx, TagResults)
}
