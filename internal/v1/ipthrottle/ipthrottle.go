// Package ipthrottle implements the synchronous IP-blocklist used on the
// connection-admission hot path (spec.md §4.7): an in-memory cache fronting
// durable storage in Redis via internal/v1/bus, so a block survives a
// process restart but a lookup never blocks on the network.
package ipthrottle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mediarelay/relay/internal/v1/bus"
	"github.com/mediarelay/relay/internal/v1/logging"
	"github.com/mediarelay/relay/internal/v1/types"
	"go.uber.org/zap"
)

const (
	blockKeyPrefix   = "relay:ipblock:"
	failureKeyPrefix = "relay:ipfail:"
)

type blockEntry struct {
	reason    string
	expiresAt time.Time
}

// Store is the in-memory + Redis-backed IP blocklist. It implements
// types.BlockedIPStore.
type Store struct {
	mu       sync.RWMutex
	blocked  map[string]blockEntry
	failures map[string]int

	redis                 *bus.Service
	auditSink             types.AuditSink
	failedAuthBeforeBlock int
	blockDuration         time.Duration
}

// NewStore builds a Store. redisSvc may be nil, in which case blocks are
// held only in memory for the life of the process (single-instance mode,
// mirroring bus.Service's own nil-client degradation). auditSink may be nil,
// in which case BlockIP/UnblockIP skip emitting IP_BLOCKED/IP_UNBLOCKED.
func NewStore(redisSvc *bus.Service, auditSink types.AuditSink, failedAuthBeforeBlock int, blockDuration time.Duration) *Store {
	if failedAuthBeforeBlock <= 0 {
		failedAuthBeforeBlock = 5
	}
	if blockDuration <= 0 {
		blockDuration = 15 * time.Minute
	}
	return &Store{
		blocked:               make(map[string]blockEntry),
		failures:              make(map[string]int),
		redis:                 redisSvc,
		auditSink:             auditSink,
		failedAuthBeforeBlock: failedAuthBeforeBlock,
		blockDuration:         blockDuration,
	}
}

// LoadFromRedis scans durable block keys on startup and warms the in-memory
// cache, so a restarted instance doesn't momentarily admit a blocked IP.
func (s *Store) LoadFromRedis(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	keys, err := s.redis.Scan(ctx, blockKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("ipthrottle: scan blocks: %w", err)
	}
	for _, key := range keys {
		ip := key[len(blockKeyPrefix):]
		reason, err := s.redis.GetString(ctx, key)
		if err != nil || reason == "" {
			continue
		}
		ttlKey := key
		_ = ttlKey
		s.mu.Lock()
		s.blocked[ip] = blockEntry{reason: reason, expiresAt: time.Now().Add(s.blockDuration)}
		s.mu.Unlock()
	}
	return nil
}

// IsBlockedSync reports whether ip is currently blocked. It performs no I/O
// and is safe to call from the connection-admission hot path.
func (s *Store) IsBlockedSync(ip string) bool {
	s.mu.RLock()
	entry, ok := s.blocked[ip]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.blocked, ip)
		s.mu.Unlock()
		return false
	}
	return true
}

// RecordFailedAuth increments ip's failure counter and blocks it once the
// counter reaches failedAuthBeforeBlock.
func (s *Store) RecordFailedAuth(ctx context.Context, ip string) error {
	var count int64
	if s.redis != nil {
		n, err := s.redis.Incr(ctx, failureKeyPrefix+ip)
		if err != nil {
			return fmt.Errorf("ipthrottle: incr failure counter: %w", err)
		}
		count = n
	}

	s.mu.Lock()
	s.failures[ip]++
	memCount := s.failures[ip]
	s.mu.Unlock()

	if count == 0 {
		count = int64(memCount)
	}

	if count >= int64(s.failedAuthBeforeBlock) {
		return s.BlockIP(ctx, ip, s.blockDuration, "exceeded failed-auth threshold")
	}
	return nil
}

// BlockIP blocks ip for duration, persisting the block to Redis when
// available so it survives a restart.
func (s *Store) BlockIP(ctx context.Context, ip string, duration time.Duration, reason string) error {
	if duration <= 0 {
		duration = s.blockDuration
	}

	s.mu.Lock()
	s.blocked[ip] = blockEntry{reason: reason, expiresAt: time.Now().Add(duration)}
	delete(s.failures, ip)
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.SetWithTTL(ctx, blockKeyPrefix+ip, reason, duration); err != nil {
			return fmt.Errorf("ipthrottle: persist block: %w", err)
		}
		_ = s.redis.Del(ctx, failureKeyPrefix+ip)
	}

	logging.Warn(ctx, "ip blocked", zap.String("ip", ip), zap.String("reason", reason), zap.Duration("duration", duration))
	if s.auditSink != nil {
		s.auditSink.Emit(ctx, types.AuditEvent{
			EventType: types.EventIPBlocked,
			IPAddress: ip,
			Details:   reason,
			Severity:  types.SeverityWarn,
			CreatedAt: time.Now(),
		})
	}
	return nil
}

// UnblockIP clears any block on ip, in memory and in Redis.
func (s *Store) UnblockIP(ctx context.Context, ip string) error {
	s.mu.Lock()
	delete(s.blocked, ip)
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.Del(ctx, blockKeyPrefix+ip); err != nil {
			return fmt.Errorf("ipthrottle: clear block: %w", err)
		}
	}
	logging.Info(ctx, "ip unblocked", zap.String("ip", ip))
	if s.auditSink != nil {
		s.auditSink.Emit(ctx, types.AuditEvent{
			EventType: types.EventIPUnblocked,
			IPAddress: ip,
			Severity:  types.SeverityInfo,
			CreatedAt: time.Now(),
		})
	}
	return nil
}
