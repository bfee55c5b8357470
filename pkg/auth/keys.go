package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidKey = errors.New("invalid api key")

// KeyValidator decides whether a client API key may use the proxy.
type KeyValidator interface {
	Validate(ctx context.Context, apiKey string) error
}

// StaticKeys validates keys against bcrypt hashes. With no hashes configured
// every non-empty key is accepted and validity is left to the account system.
type StaticKeys struct {
	hashes [][]byte

	mu       sync.RWMutex
	accepted map[[sha256.Size]byte]struct{}
}

func NewStaticKeys(hashes []string) *StaticKeys {
	s := &StaticKeys{accepted: make(map[[sha256.Size]byte]struct{})}
	for _, h := range hashes {
		if h != "" {
			s.hashes = append(s.hashes, []byte(h))
		}
	}
	return s
}

func (s *StaticKeys) Validate(_ context.Context, apiKey string) error {
	if apiKey == "" {
		return ErrInvalidKey
	}
	if len(s.hashes) == 0 {
		return nil
	}

	digest := sha256.Sum256([]byte(apiKey))
	s.mu.RLock()
	_, ok := s.accepted[digest]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	for _, h := range s.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(apiKey)) == nil {
			s.mu.Lock()
			s.accepted[digest] = struct{}{}
			s.mu.Unlock()
			return nil
		}
	}
	return ErrInvalidKey
}

// HashKey returns a bcrypt hash suitable for the api_key_hashes config list.
func HashKey(apiKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// SecretEqual compares shared secrets in constant time.
func SecretEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
