package testutil

import (
	"time"

	"github.com/google/uuid"

	"api-guard/internal/storage"
)

// AppBlock builds an active app-level block expiring at createdAt+ttl.
func AppBlock(ip string, createdAt time.Time, ttl time.Duration) *storage.Block {
	expiresAt := createdAt.Add(ttl)
	return &storage.Block{
		ID:          uuid.NewString(),
		IPAddress:   ip,
		BlockLevel:  storage.BlockLevelApp,
		Reason:      "excessive request rate",
		TriggerType: storage.TriggerConsecutive429s,
		ExpiresAt:   &expiresAt,
		IsActive:    true,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// FirewallBlock builds an active firewall-level block with no expiry.
func FirewallBlock(ip string, createdAt time.Time) *storage.Block {
	return &storage.Block{
		ID:                 uuid.NewString(),
		IPAddress:          ip,
		BlockLevel:         storage.BlockLevelFirewall,
		Reason:             "repeated abuse after prior blocks",
		TriggerType:        storage.TriggerRepeatOffender,
		PreviousBlockCount: 2,
		IsActive:           true,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
}
