// Package memory is the durable per-user context store: scored key/value
// entries plus bounded conversation history. The Redis backend is the
// source of truth; a write-through local cache keeps hot users cheap.
// Entries and history are pruned once per-user caps are exceeded, so
// memory stays bounded rather than exhaustive.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/metrics"
)

const (
	defaultMaxEntries     = 1000
	defaultMaxHistory     = 100
	defaultMaxCachedUsers = 10000
	contextKeyPrefix      = "context:"
)

// Manager handles per-user context memory with a Redis backend.
type Manager struct {
	client *redis.Client
	logger *zap.Logger

	mu          sync.RWMutex
	cache       map[string]*UserContext
	cacheAccess map[string]time.Time

	maxEntries     int
	maxHistory     int
	maxCachedUsers int
}

// NewManager connects to Redis and returns a memory manager.
func NewManager(redisAddr, redisPassword string, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Manager{
		client:         client,
		logger:         logger,
		cache:          make(map[string]*UserContext),
		cacheAccess:    make(map[string]time.Time),
		maxEntries:     defaultMaxEntries,
		maxHistory:     defaultMaxHistory,
		maxCachedUsers: defaultMaxCachedUsers,
	}, nil
}

// GetContext returns the context for a user, creating it on first access.
func (m *Manager) GetContext(ctx context.Context, userID string) *UserContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	uc := m.getLocked(ctx, userID)
	uc.LastInteraction = time.Now()
	return uc
}

// getLocked loads from cache, then Redis, then creates. Callers hold the
// write lock.
func (m *Manager) getLocked(ctx context.Context, userID string) *UserContext {
	if uc, ok := m.cache[userID]; ok {
		m.cacheAccess[userID] = time.Now()
		return uc
	}

	key := contextKeyPrefix + userID
	data, err := m.client.Get(ctx, key).Bytes()
	if err == nil {
		var uc UserContext
		if jerr := json.Unmarshal(data, &uc); jerr == nil {
			if uc.Entries == nil {
				uc.Entries = make(map[string]*Entry)
			}
			m.cacheLocked(userID, &uc)
			return &uc
		}
		m.logger.Error("Corrupt context record, starting fresh", zap.String("user_id", userID))
	} else if !errors.Is(err, redis.Nil) {
		m.logger.Warn("Context load failed, starting fresh", zap.String("user_id", userID), zap.Error(err))
	}

	uc := &UserContext{
		UserID:          userID,
		Entries:         make(map[string]*Entry),
		LastInteraction: time.Now(),
	}
	m.cacheLocked(userID, uc)
	m.persist(ctx, uc)
	return uc
}

// StoreContext upserts an entry and prunes if the per-user cap is
// exceeded.
func (m *Manager) StoreContext(ctx context.Context, userID, key string, value any, entryType EntryType, source string, confidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uc := m.getLocked(ctx, userID)
	now := time.Now()
	uc.Entries[key] = &Entry{
		Key:            key,
		Value:          value,
		Type:           entryType,
		Confidence:     confidence,
		Source:         source,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	if len(uc.Entries) > m.maxEntries {
		m.prune(uc)
	}
	m.persist(ctx, uc)

	m.logger.Debug("Context entry stored",
		zap.String("user_id", userID),
		zap.String("key", key),
		zap.String("type", string(entryType)),
	)
	metrics.ContextEntriesStored.Inc()
}

// RetrieveContext returns an entry value and updates its access tracking.
func (m *Manager) RetrieveContext(ctx context.Context, userID, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uc := m.getLocked(ctx, userID)
	entry, ok := uc.Entries[key]
	if !ok {
		return nil, false
	}
	entry.LastAccessedAt = time.Now()
	entry.AccessCount++
	m.persist(ctx, uc)
	return entry.Value, true
}

// SearchContext returns entries whose key or value matches the pattern.
func (m *Manager) SearchContext(ctx context.Context, userID, pattern string) ([]Entry, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid search pattern: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	uc := m.getLocked(ctx, userID)
	var results []Entry
	for key, entry := range uc.Entries {
		raw, _ := json.Marshal(entry.Value)
		if re.MatchString(key) || re.Match(raw) {
			results = append(results, *entry)
		}
	}
	return results, nil
}

// ByType returns all entries of the given type.
func (m *Manager) ByType(ctx context.Context, userID string, entryType EntryType) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byTypeLocked(ctx, userID, entryType)
}

func (m *Manager) byTypeLocked(ctx context.Context, userID string, entryType EntryType) []Entry {
	uc := m.getLocked(ctx, userID)
	var results []Entry
	for _, entry := range uc.Entries {
		if entry.Type == entryType {
			results = append(results, *entry)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results
}

// AddToHistory appends a conversation message and trims to the bounded
// window.
func (m *Manager) AddToHistory(ctx context.Context, userID, role, content, intentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uc := m.getLocked(ctx, userID)
	uc.History = append(uc.History, Message{
		Timestamp: time.Now(),
		Role:      role,
		Content:   content,
		Intent:    intentType,
	})
	if len(uc.History) > m.maxHistory {
		uc.History = uc.History[len(uc.History)-m.maxHistory:]
	}
	uc.LastInteraction = time.Now()
	m.persist(ctx, uc)
}

// GetHistory returns the last limit messages; limit <= 0 returns all.
func (m *Manager) GetHistory(ctx context.Context, userID string, limit int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	uc := m.getLocked(ctx, userID)
	history := uc.History
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Message, len(history))
	copy(out, history)
	return out
}

// RecentEntries returns up to limit entries ordered by the composite
// recency/frequency score, best first.
func (m *Manager) RecentEntries(ctx context.Context, userID string, limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	uc := m.getLocked(ctx, userID)
	now := time.Now()
	entries := make([]Entry, 0, len(uc.Entries))
	for _, e := range uc.Entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].score(now) > entries[j].score(now)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// BuildContextSummary renders a bounded digest of what is known about a
// user: top facts, top preferences, and the last few interactions.
func (m *Manager) BuildContextSummary(ctx context.Context, userID string) string {
	m.mu.Lock()
	facts := m.byTypeLocked(ctx, userID, EntryFact)
	prefs := m.byTypeLocked(ctx, userID, EntryPreference)
	uc := m.getLocked(ctx, userID)
	history := uc.History
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	recent := make([]Message, len(history))
	copy(recent, history)
	m.mu.Unlock()

	if len(facts) == 0 && len(prefs) == 0 && len(recent) == 0 {
		return "No prior context available."
	}

	var b strings.Builder
	b.WriteString("Context Summary:\n\n")

	if len(facts) > 0 {
		b.WriteString("Known Facts:\n")
		for _, f := range capEntries(facts, 5) {
			raw, _ := json.Marshal(f.Value)
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, raw)
		}
		b.WriteString("\n")
	}
	if len(prefs) > 0 {
		b.WriteString("Preferences:\n")
		for _, p := range capEntries(prefs, 5) {
			raw, _ := json.Marshal(p.Value)
			fmt.Fprintf(&b, "- %s: %s\n", p.Key, raw)
		}
		b.WriteString("\n")
	}
	if len(recent) > 0 {
		b.WriteString("Recent Interactions:\n")
		for _, h := range recent {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", h.Timestamp.Format("15:04:05"), h.Role, truncate(h.Content, 100))
		}
	}
	return b.String()
}

// ClearContext removes everything remembered about a user.
func (m *Manager) ClearContext(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, userID)
	delete(m.cacheAccess, userID)
	metrics.ContextCacheSize.Set(float64(len(m.cache)))

	if err := m.client.Del(ctx, contextKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("clear context: %w", err)
	}
	m.logger.Info("Context cleared", zap.String("user_id", userID))
	return nil
}

// GetStats aggregates memory usage across all persisted users, walking
// the keyspace incrementally with SCAN.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	iter := m.client.Scan(ctx, 0, contextKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		stats.TotalUsers++
		data, err := m.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var uc UserContext
		if err := json.Unmarshal(data, &uc); err != nil {
			continue
		}
		stats.TotalEntries += len(uc.Entries)
		stats.TotalHistoryItems += len(uc.History)
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("scan contexts: %w", err)
	}
	return stats, nil
}

// prune keeps the highest-scoring 80% of entries. Callers hold the write
// lock.
func (m *Manager) prune(uc *UserContext) {
	now := time.Now()
	entries := make([]*Entry, 0, len(uc.Entries))
	for _, e := range uc.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].score(now) > entries[j].score(now)
	})

	keep := m.maxEntries * 8 / 10
	if keep > len(entries) {
		keep = len(entries)
	}
	kept := make(map[string]*Entry, keep)
	for _, e := range entries[:keep] {
		kept[e.Key] = e
	}
	removed := len(uc.Entries) - keep
	uc.Entries = kept

	m.logger.Debug("Context entries pruned",
		zap.String("user_id", uc.UserID),
		zap.Int("removed", removed),
	)
	metrics.ContextEntriesPruned.Add(float64(removed))
}

// persist writes the full user context to Redis synchronously. A failed
// write is logged and counted; the in-memory copy stays serviceable.
func (m *Manager) persist(ctx context.Context, uc *UserContext) {
	data, err := json.Marshal(uc)
	if err != nil {
		m.logger.Error("Failed to marshal context", zap.String("user_id", uc.UserID), zap.Error(err))
		metrics.ContextPersistFailures.Inc()
		return
	}
	if err := m.client.Set(ctx, contextKeyPrefix+uc.UserID, data, 0).Err(); err != nil {
		m.logger.Error("Failed to persist context", zap.String("user_id", uc.UserID), zap.Error(err))
		metrics.ContextPersistFailures.Inc()
	}
}

// cacheLocked inserts into the local cache with LRU eviction.
func (m *Manager) cacheLocked(userID string, uc *UserContext) {
	m.cache[userID] = uc
	m.cacheAccess[userID] = time.Now()

	if len(m.cache) > m.maxCachedUsers {
		type access struct {
			id string
			at time.Time
		}
		entries := make([]access, 0, len(m.cache))
		for id := range m.cache {
			entries = append(entries, access{id: id, at: m.cacheAccess[id]})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
		for _, e := range entries[:m.maxCachedUsers/2] {
			delete(m.cache, e.id)
			delete(m.cacheAccess, e.id)
		}
	}
	metrics.ContextCacheSize.Set(float64(len(m.cache)))
}

// Ping reports backend connectivity for health checks.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (m *Manager) Close() error {
	return m.client.Close()
}

func capEntries(entries []Entry, n int) []Entry {
	if len(entries) > n {
		return entries[:n]
	}
	return entries
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
