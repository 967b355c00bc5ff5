package storage

import "time"

// BlockLevel is where a block is enforced.
type BlockLevel string

const (
	// BlockLevelApp is a temporary, self-expiring block enforced in-process.
	BlockLevelApp BlockLevel = "app"
	// BlockLevelFirewall is a perimeter block; never auto-expires.
	BlockLevelFirewall BlockLevel = "firewall"
)

// TriggerType is the abuse pattern that caused a block.
type TriggerType string

const (
	TriggerConsecutive429s  TriggerType = "consecutive_429s"
	TriggerSustainedTraffic TriggerType = "sustained_traffic"
	TriggerBurstTraffic     TriggerType = "burst_traffic"
	TriggerRepeatOffender   TriggerType = "repeat_offender"
	TriggerUserAgentCycling TriggerType = "user_agent_cycling"
	TriggerManual           TriggerType = "manual"
)

// Block is the durable record of an IP block. For a given IP the most
// recently created row with IsActive and an unexpired ExpiresAt is
// authoritative. Firewall-level rows carry a nil ExpiresAt and are lifted
// only by manual removal.
type Block struct {
	ID                  string      `json:"id"`
	IPAddress           string      `json:"ip_address"`
	BlockLevel          BlockLevel  `json:"block_level"`
	Reason              string      `json:"reason"`
	TriggerType         TriggerType `json:"trigger_type"`
	Consecutive429Count *int        `json:"consecutive_429_count,omitempty"`
	RequestsPerSecond   *int        `json:"requests_per_second,omitempty"`
	UserAgentCount      *int        `json:"user_agent_count,omitempty"`
	PreviousBlockCount  int         `json:"previous_block_count"`
	ExpiresAt           *time.Time  `json:"expires_at"`
	IsActive            bool        `json:"is_active"`
	RemovedAt           *time.Time  `json:"removed_at,omitempty"`
	RemovedReason       *string     `json:"removed_reason,omitempty"`
	LastSeenAt          *time.Time  `json:"last_seen_at,omitempty"`
	BlockedRequestCount int         `json:"blocked_request_count"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Effective reports whether the block currently denies traffic.
func (b *Block) Effective(now time.Time) bool {
	if !b.IsActive {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// RequestLog is the durable record of one completed request's disposition.
type RequestLog struct {
	ID                 string     `json:"id"`
	Method             string     `json:"method"`
	Path               string     `json:"path"`
	IP                 string     `json:"ip"`
	UserAgent          *string    `json:"user_agent,omitempty"`
	Referer            *string    `json:"referer,omitempty"`
	APIKeyID           *string    `json:"api_key_id,omitempty"`
	Tier               string     `json:"tier"`
	RateLimitCount     int        `json:"rate_limit_count"`
	RateLimitLimit     int        `json:"rate_limit_limit"`
	RateLimitRemaining int        `json:"rate_limit_remaining"`
	RateLimitResetAt   time.Time  `json:"rate_limit_reset_at"`
	WasBlocked         bool       `json:"was_blocked"`
	BlockReason        *string    `json:"block_reason,omitempty"`
	ResponseStatus     *int       `json:"response_status,omitempty"`
	ResponseTimeMs     *int       `json:"response_time_ms,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// APIKey is the durable record of an issued credential. The secret is
// stored as a bcrypt hash; the clear form is shown once at creation.
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Tier       string    `json:"tier"`
	SecretHash string    `json:"-"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stats summarizes admission activity over the trailing 24 hours.
type Stats struct {
	TotalRequests     int `json:"total_requests"`
	ThrottledRequests int `json:"throttled_requests"`
	BlockedRequests   int `json:"blocked_requests"`
	ActiveBlocks      int `json:"active_blocks"`
}
