package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-guard/internal/abuse"
	"api-guard/internal/clock"
	"api-guard/internal/identity"
	"api-guard/internal/logsink"
	"api-guard/internal/ratelimit"
	"api-guard/internal/storage"
	"api-guard/internal/testutil"
)

var gateStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type gateFixture struct {
	store      *testutil.MockStorage
	tracker    *abuse.PatternTracker
	windows    *ratelimit.WindowStore
	escalation *abuse.Manager
	sink       *logsink.Sink
	clock      *clock.Fake
	gate       *Gate
	handler    http.Handler
}

func newGateFixture(t *testing.T, ingressRPS int) *gateFixture {
	t.Helper()

	fake := clock.NewFake(gateStart)
	store := testutil.NewMockStorage()
	tracker := abuse.NewPatternTracker(abuse.DefaultTrackerConfig(), fake)
	windows := ratelimit.NewWindowStore(time.Hour, fake)
	escalation := abuse.NewManager(store, abuse.NewLocalCache(fake), tracker, nil,
		fake, abuse.DefaultEscalationConfig())
	resolver := identity.NewResolver(store, identity.TierLimits{
		Anonymous: 100, Free: 1000, Elevated: 10000,
	})
	sink := logsink.NewSink(store, 4096)
	t.Cleanup(sink.Close)

	gate := NewGate(escalation, tracker, windows, resolver, sink, fake, ingressRPS)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream"))
	})

	return &gateFixture{
		store:      store,
		tracker:    tracker,
		windows:    windows,
		escalation: escalation,
		sink:       sink,
		clock:      fake,
		gate:       gate,
		handler:    gate.Middleware(next),
	}
}

func (f *gateFixture) request(ip, userAgent string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/resource", nil)
	req.RemoteAddr = ip + ":54321"
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestGate_AllowedRequest(t *testing.T) {
	f := newGateFixture(t, 0)

	rec := f.request("10.0.0.1", "curl/8.0", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream", rec.Body.String())
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t,
		fmt.Sprintf("%d", gateStart.Add(time.Hour).Unix()),
		rec.Header().Get("X-RateLimit-Reset"))

	require.Eventually(t, func() bool { return f.store.LogCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestGate_QuotaExhaustion(t *testing.T) {
	f := newGateFixture(t, 0)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 101; i++ {
		rec = f.request("10.0.0.1", "curl/8.0", nil)
		// Keep the burst and streak signals quiet.
		f.clock.Advance(2 * time.Second)
	}

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
}

func TestGate_QuotaResetsAfterWindow(t *testing.T) {
	f := newGateFixture(t, 0)

	for i := 0; i < 101; i++ {
		f.request("10.0.0.1", "curl/8.0", nil)
		f.clock.Advance(2 * time.Second)
	}

	f.clock.Advance(time.Hour)

	rec := f.request("10.0.0.1", "curl/8.0", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGate_BlockedIP(t *testing.T) {
	f := newGateFixture(t, 0)

	created := testutil.AppBlock("10.0.0.1", gateStart, 15*time.Minute)
	require.NoError(t, f.store.CreateBlock(context.Background(), created))

	rec := f.request("10.0.0.1", "curl/8.0", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "IP_BLOCKED", body["code"])
	assert.Equal(t, created.Reason, body["reason"])
	assert.Equal(t, "app", body["block_level"])
	assert.NotNil(t, body["expires_at"])
	assert.NotEmpty(t, body["blocked_at"])

	// Hit accounting lands asynchronously.
	require.Eventually(t, func() bool {
		block, err := f.store.GetBlock(context.Background(), created.ID)
		return err == nil && block.BlockedRequestCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestGate_FirewallBlockHasNullExpiry(t *testing.T) {
	f := newGateFixture(t, 0)

	require.NoError(t, f.store.CreateBlock(context.Background(), testutil.FirewallBlock("10.0.0.1", gateStart)))

	rec := f.request("10.0.0.1", "curl/8.0", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "firewall", body["block_level"])
	assert.Nil(t, body["expires_at"])
}

func TestGate_ExpiredBlockAdmits(t *testing.T) {
	f := newGateFixture(t, 0)

	require.NoError(t, f.store.CreateBlock(context.Background(), testutil.AppBlock("10.0.0.1", gateStart, 15*time.Minute)))
	f.clock.Advance(16 * time.Minute)

	rec := f.request("10.0.0.1", "curl/8.0", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGate_MalformedAPIKey(t *testing.T) {
	f := newGateFixture(t, 0)

	rec := f.request("10.0.0.1", "curl/8.0", map[string]string{
		"Authorization": "Bearer not-a-key",
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_API_KEY_FORMAT", body["code"])
}

func TestGate_UnknownAPIKey(t *testing.T) {
	f := newGateFixture(t, 0)

	rec := f.request("10.0.0.1", "curl/8.0", map[string]string{
		"X-API-Key": "ak_nosuchid_nosuchsecret",
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_API_KEY", body["code"])
}

func TestGate_ValidAPIKeyGetsTierQuota(t *testing.T) {
	f := newGateFixture(t, 0)

	resolver := identity.NewResolver(f.store, identity.TierLimits{Anonymous: 100, Free: 1000, Elevated: 10000})
	_, credential, err := resolver.CreateKey(context.Background(), "ci", identity.TierFree)
	require.NoError(t, err)

	rec := f.request("10.0.0.1", "curl/8.0", map[string]string{
		"Authorization": "Bearer " + credential,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit"))
}

func TestGate_KeyAndIPQuotasAreIndependent(t *testing.T) {
	f := newGateFixture(t, 0)

	resolver := identity.NewResolver(f.store, identity.TierLimits{Anonymous: 100, Free: 1000, Elevated: 10000})
	_, credential, err := resolver.CreateKey(context.Background(), "ci", identity.TierFree)
	require.NoError(t, err)

	// Exhaust the anonymous quota from this IP.
	for i := 0; i < 101; i++ {
		f.request("10.0.0.1", "curl/8.0", nil)
		f.clock.Advance(2 * time.Second)
	}
	require.Equal(t, http.StatusTooManyRequests, f.request("10.0.0.1", "curl/8.0", nil).Code)

	// The key's window is untouched.
	rec := f.request("10.0.0.1", "curl/8.0", map[string]string{
		"Authorization": "Bearer " + credential,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGate_ResolverStoreErrorFailsOpen(t *testing.T) {
	f := newGateFixture(t, 0)

	f.store.ErrorOnMethod["GetAPIKey"] = fmt.Errorf("connection refused")

	rec := f.request("10.0.0.1", "curl/8.0", map[string]string{
		"X-API-Key": "ak_someid_somesecret",
	})

	// Store trouble is not the client's fault: anonymous treatment.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
}

func TestGate_BlockStoreErrorFailsOpen(t *testing.T) {
	f := newGateFixture(t, 0)

	f.store.ErrorOnMethod["GetEffectiveBlock"] = fmt.Errorf("connection refused")

	rec := f.request("10.0.0.1", "curl/8.0", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGate_ConsecutiveThrottlingEscalatesToBlock(t *testing.T) {
	f := newGateFixture(t, 0)

	// Exhaust the quota, then draw fifteen consecutive 429s spaced out so
	// only the streak signal trips.
	for i := 0; i < 100; i++ {
		f.request("10.0.0.1", "curl/8.0", nil)
		f.clock.Advance(2 * time.Second)
	}
	for i := 0; i < 15; i++ {
		rec := f.request("10.0.0.1", "curl/8.0", nil)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		f.clock.Advance(2 * time.Second)
	}

	require.Eventually(t, func() bool { return f.store.BlockCount() >= 1 },
		time.Second, 10*time.Millisecond)

	block, err := f.store.GetEffectiveBlock(context.Background(), "10.0.0.1", f.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, storage.TriggerConsecutive429s, block.TriggerType)
	assert.Equal(t, storage.BlockLevelApp, block.BlockLevel)

	// The next request meets the block, not the quota.
	rec := f.request("10.0.0.1", "curl/8.0", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGate_BurstEscalatesToBlock(t *testing.T) {
	f := newGateFixture(t, 0)

	// Ten requests inside one second; all admitted, still abusive.
	for i := 0; i < 10; i++ {
		rec := f.request("10.0.0.1", "curl/8.0", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Eventually(t, func() bool { return f.store.BlockCount() >= 1 },
		time.Second, 10*time.Millisecond)

	block, err := f.store.GetEffectiveBlock(context.Background(), "10.0.0.1", f.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, storage.TriggerBurstTraffic, block.TriggerType)
}

func TestGate_IngressThrottle(t *testing.T) {
	f := newGateFixture(t, 1)

	first := f.request("10.0.0.1", "curl/8.0", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.request("10.0.0.2", "curl/8.0", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	// The per-client window was not consumed.
	result := f.windows.Consume("ip:10.0.0.2", 100)
	assert.Equal(t, 1, result.Count)
}

func TestGate_StreamingResponseFlush(t *testing.T) {
	f := newGateFixture(t, 0)

	streaming := f.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok, "admitted handlers must be able to flush")
		_, _ = w.Write([]byte("event: tick\n\n"))
		flusher.Flush()
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	streaming.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rec.Flushed)
}

func TestClientIP(t *testing.T) {
	build := func(remoteAddr string, headers map[string]string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remoteAddr
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req
	}

	t.Run("real ip wins", func(t *testing.T) {
		req := build("192.0.2.1:1234", map[string]string{
			"X-Real-IP":       "203.0.113.7",
			"X-Forwarded-For": "198.51.100.9, 10.0.0.1",
		})
		assert.Equal(t, "203.0.113.7", ClientIP(req))
	})

	t.Run("first forwarded hop", func(t *testing.T) {
		req := build("192.0.2.1:1234", map[string]string{
			"X-Forwarded-For": "198.51.100.9, 10.0.0.1",
		})
		assert.Equal(t, "198.51.100.9", ClientIP(req))
	})

	t.Run("remote addr fallback", func(t *testing.T) {
		req := build("192.0.2.1:1234", nil)
		assert.Equal(t, "192.0.2.1", ClientIP(req))
	})

	t.Run("remote addr without port", func(t *testing.T) {
		req := build("192.0.2.1", nil)
		assert.Equal(t, "192.0.2.1", ClientIP(req))
	})
}
