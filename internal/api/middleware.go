/**
 * @description
 * Middleware for the reward-service router: bearer-token authentication for
 * app users, the shared-key guard for internal callers, per-user rate limiting
 * on redemptions and request metrics.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and claim validation.
 * - github.com/go-chi/chi/v5: Route patterns for metric labels.
 * - internal/app: RateLimiter.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/quizcoin/reward-service/internal/app"
	"github.com/quizcoin/reward-service/internal/metrics"
)

type contextKey string

const userIDKey contextKey = "userID"

const (
	jwksCacheTTL       = 10 * time.Minute
	jwksRefreshBackoff = 30 * time.Second
)

// AuthConfig selects how bearer tokens are verified. RS256 tokens are checked
// against the JWKS endpoint; HS256 tokens against the shared secret. At least
// one must be configured.
type AuthConfig struct {
	JWKSURL    string
	HMACSecret string
	Audience   string
	Issuer     string
}

// Authenticator verifies bearer tokens and stores the subject in the request context.
type Authenticator struct {
	cfg    AuthConfig
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	cfg.JWKSURL = strings.TrimSpace(cfg.JWKSURL)
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	if cfg.JWKSURL == "" && cfg.HMACSecret == "" {
		return nil, errors.New("either a JWKS url or an HMAC secret is required")
	}
	return &Authenticator{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "auth"),
		keys:   make(map[string]*rsa.PublicKey),
	}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeUnauthorized(w, "authorization header required")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
			writeUnauthorized(w, "invalid authorization header format")
			return
		}

		userID, err := a.Verify(r.Context(), tokenString)
		if err != nil {
			a.logger.Debug("token rejected", "error", err)
			writeUnauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify validates a token and returns its subject.
func (a *Authenticator) Verify(ctx context.Context, tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithLeeway(30 * time.Second)}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA:
			if a.cfg.JWKSURL == "" {
				return nil, errors.New("rsa tokens are not accepted")
			}
			kid, ok := token.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, errors.New("kid not found in token header")
			}
			return a.publicKey(ctx, kid)
		case *jwt.SigningMethodHMAC:
			if a.cfg.HMACSecret == "" {
				return nil, errors.New("hmac tokens are not accepted")
			}
			return []byte(a.cfg.HMACSecret), nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", errors.New("subject claim missing")
	}
	return sub, nil
}

// publicKey returns the cached key for kid, refetching the key set when the cache
// is stale or the kid is unknown (key rotation).
func (a *Authenticator) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	age := time.Since(a.fetchedAt)
	if key, ok := a.keys[kid]; ok && age < jwksCacheTTL {
		return key, nil
	}
	if !a.fetchedAt.IsZero() && age < jwksRefreshBackoff {
		if key, ok := a.keys[kid]; ok {
			return key, nil
		}
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	keys, err := a.fetchJWKS(ctx)
	if err != nil {
		if key, ok := a.keys[kid]; ok {
			a.logger.Warn("jwks refresh failed; using cached key", "error", err)
			return key, nil
		}
		return nil, err
	}
	a.keys = keys
	a.fetchedAt = time.Now()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (a *Authenticator) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
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
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			a.logger.Warn("skipping malformed jwk", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey builds a key from base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("invalid modulus or exponent length")
	}

	var exp int
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

// GetUserID retrieves the authenticated user's ID from the request context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// InternalAuthMiddleware guards service-to-service routes with a shared key.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || requiredKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeUnauthorized(w, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware limits authenticated users per scope. A limiter error lets
// the request through.
func RateLimitMiddleware(limiter app.RateLimiter, scope string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := GetUserID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			decision, err := limiter.Allow(r.Context(), scope, userID)
			if err != nil {
				logger.Warn("rate limiter unavailable; allowing request", "scope", scope, "error", err)
			}
			if !decision.Allowed {
				seconds := int(decision.RetryAfter.Round(time.Second) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				writeJSONBody(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests; try again shortly"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request counts and latency by route pattern.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTPRequest(r.Method, route, status, time.Since(start))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSONBody(w, http.StatusUnauthorized, errorResponse{Error: message})
}
