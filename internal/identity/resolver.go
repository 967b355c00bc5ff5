// Package identity resolves presented credentials into a tier and quota.
// The admission gate treats the result as opaque input: a resolved key, an
// anonymous identity, or a credential error it converts to a 401.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"api-guard/internal/common/errors"
	"api-guard/internal/storage"
)

// Tier names. Each tier maps to a per-window request limit.
const (
	TierAnonymous = "anonymous"
	TierFree      = "free"
	TierElevated  = "elevated"
)

// Credential error codes surfaced as 401 bodies.
const (
	CodeInvalidKeyFormat = "INVALID_API_KEY_FORMAT"
	CodeInvalidKey       = "INVALID_API_KEY"
)

const keyPrefix = "ak"

// Identity is the resolved quota class for one request.
type Identity struct {
	// KeyID is empty for anonymous traffic.
	KeyID string
	Tier  string
	// RateLimit is the per-window request limit for this identity.
	RateLimit int
}

// Identifier returns the quota-window key. An authenticated key's
// identifier is distinct from its issuing IP's identifier.
func (i Identity) Identifier(ip string) string {
	if i.KeyID != "" {
		return "key:" + i.KeyID
	}
	return "ip:" + ip
}

// TierLimits maps tiers to per-window limits.
type TierLimits struct {
	Anonymous int
	Free      int
	Elevated  int
}

// Resolver validates API-key credentials against the durable key store.
type Resolver struct {
	storage storage.Storage
	limits  TierLimits
}

// NewResolver creates a resolver with the given tier limits.
func NewResolver(store storage.Storage, limits TierLimits) *Resolver {
	return &Resolver{storage: store, limits: limits}
}

// LimitForTier returns the per-window limit for a tier name. Unknown tiers
// get the anonymous limit.
func (r *Resolver) LimitForTier(tier string) int {
	switch tier {
	case TierFree:
		return r.limits.Free
	case TierElevated:
		return r.limits.Elevated
	default:
		return r.limits.Anonymous
	}
}

// Anonymous returns the identity applied to credential-less traffic.
func (r *Resolver) Anonymous() Identity {
	return Identity{Tier: TierAnonymous, RateLimit: r.limits.Anonymous}
}

// Resolve validates a presented credential of the form ak_<id>_<secret>.
// An empty credential resolves to the anonymous identity. Malformed
// credentials return an auth error with code INVALID_API_KEY_FORMAT;
// unknown, inactive, or mismatched keys return INVALID_API_KEY.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return r.Anonymous(), nil
	}

	parts := strings.Split(credential, "_")
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return Identity{}, errors.AuthError("malformed API key").WithCode(CodeInvalidKeyFormat)
	}
	keyID, secret := parts[1], parts[2]

	key, err := r.storage.GetAPIKey(ctx, keyID)
	if err != nil {
		return Identity{}, errors.InternalError("api key lookup failed", err)
	}
	if key == nil || !key.IsActive {
		return Identity{}, errors.AuthError("unknown or inactive API key").WithCode(CodeInvalidKey)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return Identity{}, errors.AuthError("API key secret mismatch").WithCode(CodeInvalidKey)
	}

	return Identity{
		KeyID:     key.ID,
		Tier:      key.Tier,
		RateLimit: r.LimitForTier(key.Tier),
	}, nil
}

// CreateKey issues a new API key and returns the record plus the
// clear-text credential, which is shown exactly once.
func (r *Resolver) CreateKey(ctx context.Context, name, tier string) (*storage.APIKey, string, error) {
	switch tier {
	case TierFree, TierElevated:
	default:
		return nil, "", errors.ValidationError(fmt.Sprintf("invalid tier: %s", tier))
	}

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", errors.InternalError("failed to generate key secret", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", errors.InternalError("failed to hash key secret", err)
	}

	now := time.Now()
	key := &storage.APIKey{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:       name,
		Tier:       tier,
		SecretHash: string(hash),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := r.storage.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}

	credential := fmt.Sprintf("%s_%s_%s", keyPrefix, key.ID, secret)
	return key, credential, nil
}
