// Package middleware contains the request-facing admission gate and the
// HTTP request logger.
//
// The gate's denial outcomes (quota exceeded, active block) are the
// mechanism working, not errors. Every internal fault on this path fails
// open: the request proceeds.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lucsky/cuid"
	"golang.org/x/time/rate"

	"api-guard/internal/abuse"
	"api-guard/internal/clock"
	"api-guard/internal/common/errors"
	"api-guard/internal/common/logging"
	"api-guard/internal/identity"
	"api-guard/internal/logsink"
	"api-guard/internal/ratelimit"
	"api-guard/internal/storage"
)

const (
	codeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	codeIPBlocked         = "IP_BLOCKED"
)

const asyncTimeout = 5 * time.Second

// Gate is the admission-control middleware. Per request it checks the
// escalation manager first, then the quota window, and feeds outcomes back
// into the pattern tracker. Post-response bookkeeping is fire-and-forget.
type Gate struct {
	escalation *abuse.Manager
	tracker    *abuse.PatternTracker
	windows    *ratelimit.WindowStore
	resolver   *identity.Resolver
	sink       *logsink.Sink
	clock      clock.Clock
	logger     logging.Logger

	// ingress is a process-wide ceiling applied before any per-client
	// accounting; nil when disabled.
	ingress *rate.Limiter
}

// NewGate wires the admission gate. ingressRPS <= 0 disables the
// process-wide ceiling.
func NewGate(escalation *abuse.Manager, tracker *abuse.PatternTracker,
	windows *ratelimit.WindowStore, resolver *identity.Resolver,
	sink *logsink.Sink, clk clock.Clock, ingressRPS int) *Gate {
	if clk == nil {
		clk = clock.NewSystem()
	}
	g := &Gate{
		escalation: escalation,
		tracker:    tracker,
		windows:    windows,
		resolver:   resolver,
		sink:       sink,
		clock:      clk,
		logger:     logging.GetGlobalLogger().WithFields(logging.String("component", "admission")),
	}
	if ingressRPS > 0 {
		g.ingress = rate.NewLimiter(rate.Limit(ingressRPS), ingressRPS)
	}
	return g
}

// blockDenial is the 403 response body for an active block.
type blockDenial struct {
	Error      string  `json:"error"`
	Code       string  `json:"code"`
	Reason     string  `json:"reason"`
	BlockLevel string  `json:"block_level"`
	ExpiresAt  *string `json:"expires_at"`
	BlockedAt  string  `json:"blocked_at"`
}

// throttleDenial is the 429 response body for an exhausted quota.
type throttleDenial struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Limit   int    `json:"limit"`
	ResetAt string `json:"reset_at"`
}

type authDenial struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Middleware returns the admission handler wrapping next.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.clock.Now()
		requestID := cuid.New()
		ip := ClientIP(r)
		userAgent := r.Header.Get("User-Agent")

		if g.ingress != nil && !g.ingress.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, throttleDenial{
				Error:   "service is over capacity",
				Code:    codeRateLimitExceeded,
				ResetAt: start.Add(time.Second).UTC().Format(time.RFC3339),
			})
			return
		}

		if block := g.escalation.IsBlocked(r.Context(), ip); block != nil {
			go g.recordHit(block.ID)
			g.denyBlocked(w, r, requestID, ip, userAgent, block)
			return
		}

		ident, err := g.resolveIdentity(r)
		if err != nil {
			g.denyCredential(w, r, requestID, ip, userAgent, err)
			return
		}

		result := g.windows.Consume(ident.Identifier(ip), ident.RateLimit)
		setQuotaHeaders(w, result)

		if !result.Allowed {
			g.denyThrottled(w, r, requestID, ip, userAgent, ident, result)
			return
		}

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		// Finalize exactly once, whether the handler returns or panics.
		defer func() {
			elapsed := int(g.clock.Now().Sub(start).Milliseconds())
			status := wrapped.status
			g.sink.Write(g.buildRecord(requestID, r, ip, userAgent, ident, result,
				false, "", &status, &elapsed))
			g.tracker.Record(ip, userAgent, false)
			go g.evaluate(ip)
		}()
		next.ServeHTTP(wrapped, r)
	})
}

func (g *Gate) resolveIdentity(r *http.Request) (identity.Identity, error) {
	credential := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		credential = strings.TrimPrefix(auth, "Bearer ")
	} else if key := r.Header.Get("X-API-Key"); key != "" {
		credential = key
	}

	ident, err := g.resolver.Resolve(r.Context(), credential)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeAuth) {
			return identity.Identity{}, err
		}
		// Store trouble is not the client's fault; admit as anonymous.
		g.logger.Warn("identity resolution failed, treating as anonymous",
			logging.Err(err))
		return g.resolver.Anonymous(), nil
	}
	return ident, nil
}

func (g *Gate) denyBlocked(w http.ResponseWriter, r *http.Request,
	requestID, ip, userAgent string, block *storage.Block) {
	var expiresAt *string
	if block.ExpiresAt != nil {
		s := block.ExpiresAt.UTC().Format(time.RFC3339)
		expiresAt = &s
	}
	writeJSON(w, http.StatusForbidden, blockDenial{
		Error:      "requests from this address are blocked",
		Code:       codeIPBlocked,
		Reason:     block.Reason,
		BlockLevel: string(block.BlockLevel),
		ExpiresAt:  expiresAt,
		BlockedAt:  block.CreatedAt.UTC().Format(time.RFC3339),
	})

	ident := g.resolver.Anonymous()
	g.sink.Write(g.buildRecord(requestID, r, ip, userAgent, ident,
		ratelimit.Result{ResetAt: g.clock.Now()}, true, codeIPBlocked, nil, nil))
}

func (g *Gate) denyCredential(w http.ResponseWriter, r *http.Request,
	requestID, ip, userAgent string, err error) {
	code := identity.CodeInvalidKey
	message := "invalid API key"
	if appErr, ok := err.(*errors.AppError); ok && appErr.Code != "" {
		code = appErr.Code
		message = appErr.Message
	}
	writeJSON(w, http.StatusUnauthorized, authDenial{Error: message, Code: code})

	ident := g.resolver.Anonymous()
	g.sink.Write(g.buildRecord(requestID, r, ip, userAgent, ident,
		ratelimit.Result{ResetAt: g.clock.Now()}, true, code, nil, nil))
}

func (g *Gate) denyThrottled(w http.ResponseWriter, r *http.Request,
	requestID, ip, userAgent string, ident identity.Identity, result ratelimit.Result) {
	now := g.clock.Now()
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter(now)))
	writeJSON(w, http.StatusTooManyRequests, throttleDenial{
		Error:   "rate limit exceeded",
		Code:    codeRateLimitExceeded,
		Limit:   result.Limit,
		ResetAt: result.ResetAt.UTC().Format(time.RFC3339),
	})

	g.sink.Write(g.buildRecord(requestID, r, ip, userAgent, ident, result,
		true, codeRateLimitExceeded, nil, nil))
	g.tracker.Record(ip, userAgent, true)
	go g.evaluate(ip)
}

// evaluate runs abuse detection off the request path; a tripped trigger
// escalates into a block. Never allowed to take down the pipeline.
func (g *Gate) evaluate(ip string) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("abuse evaluation panicked", nil,
				logging.String("ip", ip), logging.Any("panic", rec))
		}
	}()

	trigger := g.tracker.Evaluate(ip)
	if trigger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
	defer cancel()
	g.escalation.BlockForAbuse(ctx, ip, trigger.Describe(), trigger)
}

func (g *Gate) recordHit(blockID string) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("hit accounting panicked", nil, logging.Any("panic", rec))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
	defer cancel()
	g.escalation.RecordHit(ctx, blockID)
}

func (g *Gate) buildRecord(requestID string, r *http.Request, ip, userAgent string,
	ident identity.Identity, result ratelimit.Result, wasBlocked bool,
	blockReason string, status, elapsedMs *int) *storage.RequestLog {
	record := &storage.RequestLog{
		ID:                 requestID,
		Method:             r.Method,
		Path:               r.URL.Path,
		IP:                 ip,
		Tier:               ident.Tier,
		RateLimitCount:     result.Count,
		RateLimitLimit:     result.Limit,
		RateLimitRemaining: result.Remaining,
		RateLimitResetAt:   result.ResetAt,
		WasBlocked:         wasBlocked,
		ResponseStatus:     status,
		ResponseTimeMs:     elapsedMs,
		CreatedAt:          g.clock.Now(),
	}
	if userAgent != "" {
		record.UserAgent = &userAgent
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		record.Referer = &referer
	}
	if ident.KeyID != "" {
		keyID := ident.KeyID
		record.APIKeyID = &keyID
	}
	if blockReason != "" {
		record.BlockReason = &blockReason
	}
	return record
}

func setQuotaHeaders(w http.ResponseWriter, result ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// ClientIP resolves the client address: an explicit real-IP header wins,
// then the first hop of a forwarded-for chain, then the transport peer.
func ClientIP(r *http.Request) string {
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming upstream responses working through the proxy.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
