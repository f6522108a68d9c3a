package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is the type for context keys
type ContextKey string

// AuthenticatedKey marks requests that passed API key validation.
const AuthenticatedKey ContextKey = "authenticated"

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
	ErrDisabled   = errors.New("api key auth is not configured")
)

// Service validates bearer API keys against a single bcrypt hash from configuration.
type Service struct {
	keyHash []byte
}

// NewService creates a new auth service. An empty hash disables every key.
func NewService(keyHash string) *Service {
	return &Service{keyHash: []byte(keyHash)}
}

// Enabled reports whether a key hash is configured.
func (s *Service) Enabled() bool {
	return len(s.keyHash) > 0
}

// Middleware creates an authentication middleware
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if err := s.ValidateAPIKey(apiKey); err != nil {
			if errors.Is(err, ErrDisabled) {
				log.Warn().Msg("API request rejected: API_KEY_HASH not set")
				writeJSONError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			log.Debug().Str("remote_addr", r.RemoteAddr).Msg("Invalid API key")
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), AuthenticatedKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the key from an "Authorization: Bearer <key>" header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingKey
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization header format")
	}
	key := strings.TrimSpace(parts[1])
	if key == "" {
		return "", ErrMissingKey
	}
	return key, nil
}

// ValidateAPIKey compares apiKey with the configured hash in constant time.
func (s *Service) ValidateAPIKey(apiKey string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if err := bcrypt.CompareHashAndPassword(s.keyHash, []byte(apiKey)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// HashAPIKey returns the bcrypt hash to put in API_KEY_HASH for apiKey.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
