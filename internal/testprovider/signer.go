package testprovider

import (
	"fmt"
	"sync"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

// Signer mints ES256 JWTs and publishes the matching JWKS.
type Signer struct {
	mu     sync.Mutex
	handle *keyset.Handle
}

func NewSigner() (*Signer, error) {
	h, err := keyset.NewHandle(jwt.ES256Template())
	if err != nil {
		return nil, fmt.Errorf("creating handle: %w", err)
	}
	return &Signer{handle: h}, nil
}

func (s *Signer) Sign(raw *jwt.RawJWT) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signer, err := jwt.NewSigner(s.handle)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}
	return signer.SignAndEncode(raw)
}

func (s *Signer) JWKS() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pubh, err := s.handle.Public()
	if err != nil {
		return nil, fmt.Errorf("creating public handle: %w", err)
	}
	return jwt.JWKSetFromPublicKeysetHandle(pubh)
}
