package memorystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/protocol"
)

const (
	keyPrefix       = "memory:"
	fieldIdentity   = "verified_identity"
	fieldIntent     = "original_intent"
	fieldHandoffs   = "handoff_history"
	toolFieldPrefix = "tool:"
)

// Config holds memory store configuration
type Config struct {
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"password" mapstructure:"password"`
	DB       int           `json:"db" mapstructure:"db"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

// DefaultConfig returns default memory store configuration
func DefaultConfig() Config {
	return Config{
		Addr: "localhost:6379",
		TTL:  15 * time.Minute,
	}
}

// Store persists session memory as one redis hash per session. Each logical
// field maps to its own hash field, so a merge lands only the fields the
// writer set and never clobbers the rest of the record. Every write refreshes
// the record TTL, which is what lets memory outlive a released session.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a memory store and verifies connectivity
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Dur("ttl", ttl).
		Msg("memory store initialized")

	return &Store{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "memorystore").Logger(),
	}, nil
}

func sessionKey(sessionID string) string {
	return keyPrefix + sessionID
}

// Load reconstructs the full session memory record. A missing or expired
// record loads as the zero value, not an error.
func (s *Store) Load(ctx context.Context, sessionID string) (protocol.SessionMemory, error) {
	var mem protocol.SessionMemory

	fields, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return mem, fmt.Errorf("failed to load session memory: %w", err)
	}

	for field, raw := range fields {
		switch {
		case field == fieldIdentity:
			mem.VerifiedIdentity = raw
		case field == fieldIntent:
			mem.OriginalIntent = raw
		case field == fieldHandoffs:
			if err := json.Unmarshal([]byte(raw), &mem.HandoffHistory); err != nil {
				s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("dropping malformed handoff history")
			}
		case strings.HasPrefix(field, toolFieldPrefix):
			var rec protocol.ToolCallRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				s.logger.Warn().Err(err).Str("session_id", sessionID).Str("field", field).Msg("dropping malformed tool call record")
				continue
			}
			if mem.LastToolCalls == nil {
				mem.LastToolCalls = make(map[string]protocol.ToolCallRecord)
			}
			mem.LastToolCalls[strings.TrimPrefix(field, toolFieldPrefix)] = rec
		}
	}

	return mem, nil
}

// Merge writes the snapshot's populated fields and leaves the rest of the
// record untouched. Set fields win last-writer per field.
func (s *Store) Merge(ctx context.Context, sessionID string, snap protocol.MemorySnapshot) error {
	values := make(map[string]any)

	if snap.VerifiedIdentity != nil {
		values[fieldIdentity] = *snap.VerifiedIdentity
	}
	if snap.OriginalIntent != nil {
		values[fieldIntent] = *snap.OriginalIntent
	}
	for name, rec := range snap.LastToolCalls {
		raw, err := json.Marshal(rec)
		if err != nil {
			observability.RecordMemoryMerge(false)
			return fmt.Errorf("failed to encode tool call record %q: %w", name, err)
		}
		values[toolFieldPrefix+name] = raw
	}
	if len(snap.HandoffHistory) > 0 {
		raw, err := json.Marshal(snap.HandoffHistory)
		if err != nil {
			observability.RecordMemoryMerge(false)
			return fmt.Errorf("failed to encode handoff history: %w", err)
		}
		values[fieldHandoffs] = raw
	}

	key := sessionKey(sessionID)
	if len(values) > 0 {
		if err := s.client.HSet(ctx, key, values).Err(); err != nil {
			observability.RecordMemoryMerge(false)
			return fmt.Errorf("failed to merge session memory: %w", err)
		}
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		observability.RecordMemoryMerge(false)
		return fmt.Errorf("failed to refresh memory ttl: %w", err)
	}

	observability.RecordMemoryMerge(true)
	return nil
}

// RecordToolCall stores the most recent call of one tool
func (s *Store) RecordToolCall(ctx context.Context, sessionID string, rec protocol.ToolCallRecord) error {
	return s.Merge(ctx, sessionID, protocol.MemorySnapshot{
		LastToolCalls: map[string]protocol.ToolCallRecord{rec.ToolName: rec},
	})
}

// AppendHop appends one entry to the session's handoff history
func (s *Store) AppendHop(ctx context.Context, sessionID string, hop protocol.HandoffHop) error {
	key := sessionKey(sessionID)

	var history []protocol.HandoffHop
	raw, err := s.client.HGet(ctx, key, fieldHandoffs).Result()
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("resetting malformed handoff history")
			history = nil
		}
	case errors.Is(err, redis.Nil):
		// first hop
	default:
		return fmt.Errorf("failed to read handoff history: %w", err)
	}

	history = append(history, hop)
	return s.Merge(ctx, sessionID, protocol.MemorySnapshot{HandoffHistory: history})
}

// Touch refreshes the record TTL without writing any field
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	if err := s.client.Expire(ctx, sessionKey(sessionID), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh memory ttl: %w", err)
	}
	return nil
}

// Delete removes a session's memory record immediately
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session memory: %w", err)
	}
	return nil
}

// Close releases the redis client
func (s *Store) Close() error {
	return s.client.Close()
}
