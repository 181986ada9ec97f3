// Package diag persists per-request debug reports. Reports expire; they are
// a debugging channel, not a data store.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
)

const keyPrefix = "ask:diag:"

var ErrReportNotFound = errors.New("diagnostics report not found")

type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewStore(client *redis.Client, ttlSeconds int, log logger.Logger) *Store {
	return &Store{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
		logger: log.WithFields(map[string]interface{}{
			"component": "diag",
		}),
	}
}

// Save writes the full pipeline result under the request id. A save failure
// is logged and swallowed by callers; diagnostics must never fail a request.
func (s *Store) Save(ctx context.Context, result *models.PipelineResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal diagnostics report: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+result.RequestID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("store diagnostics report: %w", err)
	}
	return nil
}

// Get loads a report by request id.
func (s *Store) Get(ctx context.Context, requestID string) (*models.PipelineResult, error) {
	payload, err := s.client.Get(ctx, keyPrefix+requestID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("load diagnostics report: %w", err)
	}

	var result models.PipelineResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("decode diagnostics report: %w", err)
	}
	return &result, nil
}
