// Package cache stores JSON values with a TTL in Redis or memory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SevenDays is the lifetime of read-model cache entries.
const SevenDays = 7 * 24 * time.Hour

var ErrMiss = errors.New("cache miss")

// Store is a byte-level key/value store with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Reset(ctx context.Context) error
}

// Service layers JSON encoding over a Store.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Store() Store { return s.store }

// Get decodes the value at key into dst. A missing or expired key yields
// ErrMiss.
func (s *Service) Get(ctx context.Context, key string, dst any) error {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return nil
}

// Set overwrites key with the JSON encoding of value.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return s.SetRaw(ctx, key, data, ttl)
}

// SetRaw overwrites key with data, which must already be JSON.
func (s *Service) SetRaw(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.store.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("set cache entry %s: %w", key, err)
	}
	return nil
}

func (s *Service) Del(ctx context.Context, key string) error {
	return s.store.Del(ctx, key)
}

func (s *Service) Reset(ctx context.Context) error {
	return s.store.Reset(ctx)
}
