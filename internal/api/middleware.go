/**
 * @description
 * Middleware for the reward-service router: operator authentication for the
 * ledger endpoints and per-client throttling of the claim endpoint.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: operator token verification against a JWKS.
 * - pkg/ratelimit: shared fixed-window counters.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/transfa/reward-service/pkg/ratelimit"
)

type contextKey string

const (
	operatorContextKey = contextKey("operator")
	peerAddrContextKey = contextKey("peer_addr")
)

const (
	claimThrottleScope = "reward_claim"
	jwksCacheTTL       = 10 * time.Minute
	// Unknown kids trigger at most one JWKS fetch per interval.
	jwksMinRefreshInterval = 30 * time.Second
)

// OperatorAuthMiddleware admits requests carrying the internal API key or an
// operator JWT signed by a key from jwksURL. With neither configured every
// request is rejected.
func OperatorAuthMiddleware(jwksURL string, internalKey string) func(http.Handler) http.Handler {
	keys := newJWKSCache(jwksURL, jwksCacheTTL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provided := r.Header.Get("X-Internal-API-Key"); provided != "" {
				if internalKey != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(internalKey)) == 1 {
					ctx := context.WithValue(r.Context(), operatorContextKey, "internal")
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				writeJSONResponse(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
				return
			}

			if jwksURL == "" {
				writeJSONResponse(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				writeJSONResponse(w, http.StatusUnauthorized, errorResponse{Error: "Authorization header required"})
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.key(r.Context(), kid)
			}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				writeJSONResponse(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token"})
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				writeJSONResponse(w, http.StatusUnauthorized, errorResponse{Error: "Operator not found in token"})
				return
			}

			ctx := context.WithValue(r.Context(), operatorContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the authenticated operator subject.
func OperatorFromContext(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(operatorContextKey).(string)
	return operator, ok
}

// PeerAddrMiddleware records the connection's own RemoteAddr before RealIP
// replaces it with a client-supplied header value.
func PeerAddrMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), peerAddrContextKey, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimThrottleMiddleware limits claim attempts per client address. Unless
// trustProxy is set the address is the TCP peer, so forwarding headers cannot
// be used to dodge the limit. Limiter failures are logged and the request is
// let through.
func ClaimThrottleMiddleware(limiter ratelimit.Limiter, perMinute int, trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r, trustProxy)
			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), claimThrottleScope, clientIP, perMinute, time.Minute)
			if err != nil {
				logger.Warn("claim throttle unavailable; allowing request", "component", "api", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if count > perMinute {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSONResponse(w, http.StatusTooManyRequests, errorResponse{Error: "Too many claim attempts. Please wait and try again."})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP returns the host of the TCP peer. With trustProxy it reads
// RemoteAddr as rewritten by chi's RealIP from proxy headers instead.
func getClientIP(r *http.Request, trustProxy bool) string {
	addr := r.RemoteAddr
	if peer, ok := r.Context().Value(peerAddrContextKey).(string); ok && !trustProxy {
		addr = peer
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	minRefresh time.Duration

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:        url,
		ttl:        ttl,
		minRefresh: jwksMinRefreshInterval,
		client:     &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// key returns the public key for kid, refetching the JWKS when the cache is
// stale or the kid is unknown. Fetches, failed ones included, are spaced at
// least minRefresh apart; in between a stale key is still served and an
// unknown kid is rejected without a request.
func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.keys[kid]
	if ok && time.Since(c.fetchedAt) < c.ttl {
		return key, nil
	}
	if !c.lastAttempt.IsZero() && time.Since(c.lastAttempt) < c.minRefresh {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	c.lastAttempt = time.Now()
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *jwksCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("jwks key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
