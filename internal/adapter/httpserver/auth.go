package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/argon2"

	"github.com/veriskill/veriskill/internal/domain"
)

// Argon2Params defines parameters for Argon2id password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of the password in the encoded form
// argon2id$iterations$memory$parallelism$salt$hash.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword verifies a password against its encoded Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, iters, mem, uint8(par), uint32(len(expected)))
	return subtle.ConstantTimeCompare(got, expected) == 1
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

// AdminBasicAuth guards operator endpoints with basic auth against the
// configured argon2id hash.
func (s *Server) AdminBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AdminUsername)) != 1 ||
			!VerifyPassword(pass, s.cfg.AdminPasswordHash) {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeError(w, r, fmt.Errorf("op=auth.admin: %w", domain.ErrUnauthorized), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RedisTokenStore implements domain.TokenStore with opaque random tokens in
// Redis. Token loss on Redis restart only forces candidates to log in again.
type RedisTokenStore struct {
	rdb *redis.Client
}

// NewRedisTokenStore wraps a Redis client.
func NewRedisTokenStore(rdb *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{rdb: rdb}
}

func tokenKey(token string) string { return "token:" + token }

// Issue mints an opaque token bound to a submission.
func (t *RedisTokenStore) Issue(ctx domain.Context, submissionID string, ttl time.Duration) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("op=token.Issue: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	if err := t.rdb.Set(ctx, tokenKey(token), submissionID, ttl).Err(); err != nil {
		return "", fmt.Errorf("op=token.Issue: %w: %v", domain.ErrUnavailable, err)
	}
	return token, nil
}

// Resolve returns the submission id bound to a token.
func (t *RedisTokenStore) Resolve(ctx domain.Context, token string) (string, error) {
	id, err := t.rdb.Get(ctx, tokenKey(token)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", fmt.Errorf("op=token.Resolve: %w", domain.ErrUnauthorized)
		}
		return "", fmt.Errorf("op=token.Resolve: %w: %v", domain.ErrUnavailable, err)
	}
	return id, nil
}

type submissionIDKey struct{}

// CandidateAuth validates the bearer token and binds the resolved submission
// id into the request context. The path submission id, when present, must
// match the token's binding.
func (s *Server) CandidateAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, r, fmt.Errorf("op=auth.candidate: %w: missing bearer token", domain.ErrUnauthorized), nil)
			return
		}
		subID, err := s.tokens.Resolve(r.Context(), token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), submissionIDKey{}, subID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// submissionIDFrom returns the authenticated submission id.
func submissionIDFrom(r *http.Request) string {
	if v := r.Context().Value(submissionIDKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
