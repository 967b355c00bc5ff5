// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"api-guard/internal/storage"
)

// MockStorage implements storage.Storage in memory for testing.
type MockStorage struct {
	mu     sync.RWMutex
	blocks map[string]*storage.Block
	logs   map[string]*storage.RequestLog
	keys   map[string]*storage.APIKey

	// ErrorOnMethod injects a failure for a named method.
	ErrorOnMethod map[string]error
}

// NewMockStorage creates an empty mock store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		blocks:        make(map[string]*storage.Block),
		logs:          make(map[string]*storage.RequestLog),
		keys:          make(map[string]*storage.APIKey),
		ErrorOnMethod: make(map[string]error),
	}
}

func (m *MockStorage) Close() error {
	return m.ErrorOnMethod["Close"]
}

func (m *MockStorage) Health() error {
	return m.ErrorOnMethod["Health"]
}

func (m *MockStorage) CreateBlock(ctx context.Context, block *storage.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["CreateBlock"]; err != nil {
		return err
	}

	copied := *block
	m.blocks[block.ID] = &copied
	return nil
}

func (m *MockStorage) GetBlock(ctx context.Context, id string) (*storage.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ErrorOnMethod["GetBlock"]; err != nil {
		return nil, err
	}

	block, ok := m.blocks[id]
	if !ok {
		return nil, nil
	}
	copied := *block
	return &copied, nil
}

func (m *MockStorage) GetEffectiveBlock(ctx context.Context, ip string, now time.Time) (*storage.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ErrorOnMethod["GetEffectiveBlock"]; err != nil {
		return nil, err
	}

	var newest *storage.Block
	for _, block := range m.blocks {
		if block.IPAddress != ip || !block.Effective(now) {
			continue
		}
		if newest == nil || block.CreatedAt.After(newest.CreatedAt) {
			newest = block
		}
	}
	if newest == nil {
		return nil, nil
	}
	copied := *newest
	return &copied, nil
}

func (m *MockStorage) CountBlocks(ctx context.Context, ip string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ErrorOnMethod["CountBlocks"]; err != nil {
		return 0, err
	}

	count := 0
	for _, block := range m.blocks {
		if block.IPAddress == ip {
			count++
		}
	}
	return count, nil
}

func (m *MockStorage) RecordBlockedRequest(ctx context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["RecordBlockedRequest"]; err != nil {
		return err
	}

	block, ok := m.blocks[id]
	if !ok {
		return sql.ErrNoRows
	}
	block.BlockedRequestCount++
	seen := seenAt
	block.LastSeenAt = &seen
	return nil
}

func (m *MockStorage) DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["DeactivateExpiredBlocks"]; err != nil {
		return 0, err
	}

	swept := 0
	for _, block := range m.blocks {
		if block.IsActive && block.ExpiresAt != nil && !block.ExpiresAt.After(now) {
			block.IsActive = false
			removedAt := now
			reason := "expired"
			block.RemovedAt = &removedAt
			block.RemovedReason = &reason
			swept++
		}
	}
	return swept, nil
}

func (m *MockStorage) RemoveBlock(ctx context.Context, id, reason string, removedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["RemoveBlock"]; err != nil {
		return err
	}

	block, ok := m.blocks[id]
	if !ok {
		return sql.ErrNoRows
	}
	block.IsActive = false
	at := removedAt
	r := reason
	block.RemovedAt = &at
	block.RemovedReason = &r
	return nil
}

func (m *MockStorage) ListActiveBlocks(ctx context.Context, now time.Time, limit, offset int) ([]*storage.Block, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ErrorOnMethod["ListActiveBlocks"]; err != nil {
		return nil, 0, err
	}

	var active []*storage.Block
	for _, block := range m.blocks {
		if block.Effective(now) {
			copied := *block
			active = append(active, &copied)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})

	total := len(active)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return active[offset:end], total, nil
}

func (m *MockStorage) CreateRequestLog(ctx context.Context, log *storage.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["CreateRequestLog"]; err != nil {
		return err
	}

	copied := *log
	m.logs[log.ID] = &copied
	return nil
}

func (m *MockStorage) ListRequestLogs(ctx context.Context, limit, offset int) ([]*storage.RequestLog, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ErrorOnMethod["ListRequestLogs"]; err != nil {
		return nil, 0, err
	}

	var logs []*storage.RequestLog
	for _, log := range m.logs {
		copied := *log
		logs = append(logs, &copied)
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})

	total := len(logs)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return logs[offset:end], total, nil
}

func (m *MockStorage) DeleteRequestLogsBefore(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["DeleteRequestLogsBefore"]; err != nil {
		return 0, err
	}

	removed := 0
	for id, log := range m.logs {
		if log.CreatedAt.Before(before) {
			delete(m.logs, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MockStorage) GetStats(ctx context.Context, since time.Time) (*storage.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ErrorOnMethod["GetStats"]; err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	for _, log := range m.logs {
		if log.CreatedAt.Before(since) {
			continue
		}
		stats.TotalRequests++
		if log.WasBlocked {
			if log.BlockReason != nil && *log.BlockReason == "RATE_LIMIT_EXCEEDED" {
				stats.ThrottledRequests++
			} else {
				stats.BlockedRequests++
			}
		}
	}
	now := time.Now()
	for _, block := range m.blocks {
		if block.Effective(now) {
			stats.ActiveBlocks++
		}
	}
	return stats, nil
}

func (m *MockStorage) CreateAPIKey(ctx context.Context, key *storage.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["CreateAPIKey"]; err != nil {
		return err
	}

	copied := *key
	m.keys[key.ID] = &copied
	return nil
}

func (m *MockStorage) GetAPIKey(ctx context.Context, id string) (*storage.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ErrorOnMethod["GetAPIKey"]; err != nil {
		return nil, err
	}

	key, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	copied := *key
	return &copied, nil
}

func (m *MockStorage) ListAPIKeys(ctx context.Context) ([]*storage.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.ErrorOnMethod["ListAPIKeys"]; err != nil {
		return nil, err
	}

	var keys []*storage.APIKey
	for _, key := range m.keys {
		copied := *key
		keys = append(keys, &copied)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (m *MockStorage) DeactivateAPIKey(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["DeactivateAPIKey"]; err != nil {
		return err
	}

	key, ok := m.keys[id]
	if !ok {
		return sql.ErrNoRows
	}
	key.IsActive = false
	return nil
}

// BlockCount reports how many block rows the mock holds.
func (m *MockStorage) BlockCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// LogCount reports how many request logs the mock holds.
func (m *MockStorage) LogCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs)
}

var _ storage.Storage = (*MockStorage)(nil)
