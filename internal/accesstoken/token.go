// Package accesstoken issues short-lived capability tokens that grant
// unauthenticated read access to a single document.
package accesstoken

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Token format.
const (
	TokenLength = 10
	alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 10 * time.Minute

// Sentinel errors for token redemption.
var (
	ErrTokenNotFound = errors.New("access token not found")
	ErrTokenExpired  = errors.New("access token expired")
)

// Grant binds a token to a document until Expire.
type Grant struct {
	Token      string    `json:"token"`
	DocumentID string    `json:"documentId"`
	Expire     time.Time `json:"expire"`
}

// Service holds live tokens in memory. Expired tokens are evicted when they
// are looked up.
type Service struct {
	ttl    time.Duration
	now    func() time.Time
	random io.Reader

	mu     sync.Mutex
	grants map[string]Grant
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom replaces the random source used for tokens.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

// NewService creates an empty token service.
func NewService(opts ...Option) *Service {
	s := &Service{
		ttl:    DefaultTTL,
		now:    time.Now,
		random: rand.Reader,
		grants: make(map[string]Grant),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the lifetime of issued tokens.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue creates a token for documentID valid for the service TTL.
func (s *Service) Issue(documentID string) (Grant, error) {
	return s.IssueFor(documentID, s.ttl)
}

// IssueFor creates a token for documentID valid for ttl. The token never
// equals another live token.
func (s *Service) IssueFor(documentID string, ttl time.Duration) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for {
		token, err := s.generate()
		if err != nil {
			return Grant{}, err
		}
		if g, ok := s.grants[token]; ok && now.Before(g.Expire) {
			continue
		}
		grant := Grant{Token: token, DocumentID: documentID, Expire: now.Add(ttl)}
		s.grants[token] = grant
		return grant, nil
	}
}

// Redeem returns the document bound to token. The token stays valid until it
// expires. An expired token is removed.
func (s *Service) Redeem(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[token]
	if !ok {
		return "", ErrTokenNotFound
	}
	if !s.now().Before(g.Expire) {
		delete(s.grants, token)
		return "", ErrTokenExpired
	}
	return g.DocumentID, nil
}

// Len returns the number of stored tokens, including expired ones not yet evicted.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

func (s *Service) generate() (string, error) {
	// Rejection sampling keeps the distribution uniform over the alphabet.
	const maxByte = 256 - 256%len(alphabet)
	out := make([]byte, 0, TokenLength)
	buf := make([]byte, TokenLength)
	for len(out) < TokenLength {
		if _, err := io.ReadFull(s.random, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == TokenLength {
				break
			}
		}
	}
	return string(out), nil
}
