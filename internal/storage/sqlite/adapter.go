// Package sqlite provides the SQLite-backed storage adapter. It is the
// default backend and suits single-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"api-guard/internal/storage"
)

type Config struct {
	Path string `json:"path"`
}

func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("sqlite path is required")
	}
	return nil
}

type Adapter struct {
	db *sql.DB
}

func NewAdapter(config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SQLite config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &Adapter{db: db}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return a, nil
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) Health() error {
	return a.db.Ping()
}

func (a *Adapter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			id TEXT PRIMARY KEY,
			ip_address TEXT NOT NULL,
			block_level TEXT NOT NULL,
			reason TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			consecutive_429_count INTEGER,
			requests_per_second INTEGER,
			user_agent_count INTEGER,
			previous_block_count INTEGER NOT NULL DEFAULT 0,
			expires_at DATETIME,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			removed_at DATETIME,
			removed_reason TEXT,
			last_seen_at DATETIME,
			blocked_request_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			ip TEXT NOT NULL,
			user_agent TEXT,
			referer TEXT,
			api_key_id TEXT,
			tier TEXT NOT NULL,
			rate_limit_count INTEGER NOT NULL DEFAULT 0,
			rate_limit_limit INTEGER NOT NULL DEFAULT 0,
			rate_limit_remaining INTEGER NOT NULL DEFAULT 0,
			rate_limit_reset_at DATETIME NOT NULL,
			was_blocked BOOLEAN NOT NULL DEFAULT 0,
			block_reason TEXT,
			response_status INTEGER,
			response_time_ms INTEGER,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			tier TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		// Supports "most recent effective block for IP" lookups.
		`CREATE INDEX IF NOT EXISTS idx_blocks_ip_created ON blocks(ip_address, created_at DESC)`,
		// Supports the expired-but-still-active sweep.
		`CREATE INDEX IF NOT EXISTS idx_blocks_active_expiry ON blocks(is_active, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_ip ON request_logs(ip)`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}

	return nil
}

const blockColumns = `id, ip_address, block_level, reason, trigger_type,
	consecutive_429_count, requests_per_second, user_agent_count,
	previous_block_count, expires_at, is_active, removed_at, removed_reason,
	last_seen_at, blocked_request_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(row rowScanner) (*storage.Block, error) {
	b := &storage.Block{}
	var (
		c429, rps, uaCount sql.NullInt64
		expiresAt          sql.NullTime
		removedAt          sql.NullTime
		removedReason      sql.NullString
		lastSeenAt         sql.NullTime
	)

	err := row.Scan(&b.ID, &b.IPAddress, &b.BlockLevel, &b.Reason, &b.TriggerType,
		&c429, &rps, &uaCount, &b.PreviousBlockCount, &expiresAt, &b.IsActive,
		&removedAt, &removedReason, &lastSeenAt, &b.BlockedRequestCount,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if c429.Valid {
		v := int(c429.Int64)
		b.Consecutive429Count = &v
	}
	if rps.Valid {
		v := int(rps.Int64)
		b.RequestsPerSecond = &v
	}
	if uaCount.Valid {
		v := int(uaCount.Int64)
		b.UserAgentCount = &v
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		b.ExpiresAt = &t
	}
	if removedAt.Valid {
		t := removedAt.Time
		b.RemovedAt = &t
	}
	if removedReason.Valid {
		s := removedReason.String
		b.RemovedReason = &s
	}
	if lastSeenAt.Valid {
		t := lastSeenAt.Time
		b.LastSeenAt = &t
	}

	return b, nil
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func (a *Adapter) CreateBlock(ctx context.Context, block *storage.Block) error {
	query := `INSERT INTO blocks (id, ip_address, block_level, reason, trigger_type,
		consecutive_429_count, requests_per_second, user_agent_count,
		previous_block_count, expires_at, is_active, blocked_request_count,
		created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := a.db.ExecContext(ctx, query, block.ID, block.IPAddress, block.BlockLevel,
		block.Reason, block.TriggerType, nullInt(block.Consecutive429Count),
		nullInt(block.RequestsPerSecond), nullInt(block.UserAgentCount),
		block.PreviousBlockCount, nullTime(block.ExpiresAt), block.IsActive,
		block.BlockedRequestCount, block.CreatedAt, block.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	return nil
}

func (a *Adapter) GetBlock(ctx context.Context, id string) (*storage.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE id = ?`
	block, err := scanBlock(a.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return block, nil
}

func (a *Adapter) GetEffectiveBlock(ctx context.Context, ip string, now time.Time) (*storage.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks
		WHERE ip_address = ? AND is_active = 1 AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC LIMIT 1`
	block, err := scanBlock(a.db.QueryRowContext(ctx, query, ip, now))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get effective block: %w", err)
	}
	return block, nil
}

func (a *Adapter) CountBlocks(ctx context.Context, ip string) (int, error) {
	var count int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE ip_address = ?`, ip).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return count, nil
}

func (a *Adapter) RecordBlockedRequest(ctx context.Context, id string, seenAt time.Time) error {
	query := `UPDATE blocks SET blocked_request_count = blocked_request_count + 1,
		last_seen_at = ?, updated_at = ? WHERE id = ?`
	_, err := a.db.ExecContext(ctx, query, seenAt, seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

func (a *Adapter) DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	query := `UPDATE blocks SET is_active = 0, removed_at = ?, removed_reason = 'expired', updated_at = ?
		WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?`
	result, err := a.db.ExecContext(ctx, query, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired blocks: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (a *Adapter) RemoveBlock(ctx context.Context, id, reason string, removedAt time.Time) error {
	query := `UPDATE blocks SET is_active = 0, removed_at = ?, removed_reason = ?, updated_at = ?
		WHERE id = ?`
	result, err := a.db.ExecContext(ctx, query, removedAt, reason, removedAt, id)
	if err != nil {
		return fmt.Errorf("failed to remove block: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (a *Adapter) ListActiveBlocks(ctx context.Context, now time.Time, limit, offset int) ([]*storage.Block, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM blocks
		WHERE is_active = 1 AND (expires_at IS NULL OR expires_at > ?)`
	if err := a.db.QueryRowContext(ctx, countQuery, now).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count active blocks: %w", err)
	}

	query := `SELECT ` + blockColumns + ` FROM blocks
		WHERE is_active = 1 AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := a.db.QueryContext(ctx, query, now, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list active blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*storage.Block
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	return blocks, total, rows.Err()
}

func (a *Adapter) CreateRequestLog(ctx context.Context, log *storage.RequestLog) error {
	query := `INSERT INTO request_logs (id, method, path, ip, user_agent, referer,
		api_key_id, tier, rate_limit_count, rate_limit_limit, rate_limit_remaining,
		rate_limit_reset_at, was_blocked, block_reason, response_status,
		response_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := a.db.ExecContext(ctx, query, log.ID, log.Method, log.Path, log.IP,
		nullString(log.UserAgent), nullString(log.Referer), nullString(log.APIKeyID),
		log.Tier, log.RateLimitCount, log.RateLimitLimit, log.RateLimitRemaining,
		log.RateLimitResetAt, log.WasBlocked, nullString(log.BlockReason),
		nullInt(log.ResponseStatus), nullInt(log.ResponseTimeMs), log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create request log: %w", err)
	}
	return nil
}

func (a *Adapter) ListRequestLogs(ctx context.Context, limit, offset int) ([]*storage.RequestLog, int, error) {
	var total int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_logs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count request logs: %w", err)
	}

	query := `SELECT id, method, path, ip, user_agent, referer, api_key_id, tier,
		rate_limit_count, rate_limit_limit, rate_limit_remaining, rate_limit_reset_at,
		was_blocked, block_reason, response_status, response_time_ms, created_at
		FROM request_logs ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := a.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list request logs: %w", err)
	}
	defer rows.Close()

	var logs []*storage.RequestLog
	for rows.Next() {
		l := &storage.RequestLog{}
		var (
			userAgent, referer, apiKeyID, blockReason sql.NullString
			responseStatus, responseTimeMs            sql.NullInt64
		)
		err := rows.Scan(&l.ID, &l.Method, &l.Path, &l.IP, &userAgent, &referer,
			&apiKeyID, &l.Tier, &l.RateLimitCount, &l.RateLimitLimit,
			&l.RateLimitRemaining, &l.RateLimitResetAt, &l.WasBlocked,
			&blockReason, &responseStatus, &responseTimeMs, &l.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan request log: %w", err)
		}
		if userAgent.Valid {
			s := userAgent.String
			l.UserAgent = &s
		}
		if referer.Valid {
			s := referer.String
			l.Referer = &s
		}
		if apiKeyID.Valid {
			s := apiKeyID.String
			l.APIKeyID = &s
		}
		if blockReason.Valid {
			s := blockReason.String
			l.BlockReason = &s
		}
		if responseStatus.Valid {
			v := int(responseStatus.Int64)
			l.ResponseStatus = &v
		}
		if responseTimeMs.Valid {
			v := int(responseTimeMs.Int64)
			l.ResponseTimeMs = &v
		}
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

func (a *Adapter) DeleteRequestLogsBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := a.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete request logs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (a *Adapter) GetStats(ctx context.Context, since time.Time) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs WHERE created_at >= ?`, since).Scan(&stats.TotalRequests)
	if err != nil {
		return nil, fmt.Errorf("failed to get total requests: %w", err)
	}

	err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs WHERE created_at >= ? AND was_blocked = 1 AND block_reason = 'RATE_LIMIT_EXCEEDED'`,
		since).Scan(&stats.ThrottledRequests)
	if err != nil {
		return nil, fmt.Errorf("failed to get throttled requests: %w", err)
	}

	err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs WHERE created_at >= ? AND was_blocked = 1 AND block_reason != 'RATE_LIMIT_EXCEEDED'`,
		since).Scan(&stats.BlockedRequests)
	if err != nil {
		return nil, fmt.Errorf("failed to get blocked requests: %w", err)
	}

	err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks WHERE is_active = 1`).Scan(&stats.ActiveBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to get active blocks: %w", err)
	}

	return stats, nil
}

func (a *Adapter) CreateAPIKey(ctx context.Context, key *storage.APIKey) error {
	query := `INSERT INTO api_keys (id, name, tier, secret_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := a.db.ExecContext(ctx, query, key.ID, key.Name, key.Tier, key.SecretHash,
		key.IsActive, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (a *Adapter) GetAPIKey(ctx context.Context, id string) (*storage.APIKey, error) {
	query := `SELECT id, name, tier, secret_hash, is_active, created_at, updated_at
		FROM api_keys WHERE id = ?`
	key := &storage.APIKey{}
	err := a.db.QueryRowContext(ctx, query, id).Scan(&key.ID, &key.Name, &key.Tier,
		&key.SecretHash, &key.IsActive, &key.CreatedAt, &key.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return key, nil
}

func (a *Adapter) ListAPIKeys(ctx context.Context) ([]*storage.APIKey, error) {
	query := `SELECT id, name, tier, secret_hash, is_active, created_at, updated_at
		FROM api_keys ORDER BY created_at DESC`
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*storage.APIKey
	for rows.Next() {
		key := &storage.APIKey{}
		err := rows.Scan(&key.ID, &key.Name, &key.Tier, &key.SecretHash,
			&key.IsActive, &key.CreatedAt, &key.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (a *Adapter) DeactivateAPIKey(ctx context.Context, id string) error {
	result, err := a.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 0, updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate api key: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

var _ storage.Storage = (*Adapter)(nil)
