package presigned

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Signer generates and validates HMAC-signed presigned URLs
type Signer struct {
	secretKey         []byte
	defaultExpiration time.Duration
	baseURL           string
	now               func() time.Time
}

// New creates a new Signer with the given options
func New(opts ...Option) *Signer {
	s := &Signer{
		defaultExpiration: time.Hour,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsEnabled returns true if a secret key is configured
func (s *Signer) IsEnabled() bool {
	return s != nil && len(s.secretKey) > 0
}

// SignURL returns the signed URL for method and path and the instant it
// stops being valid. path is unescaped and must not carry a query string.
func (s *Signer) SignURL(method, path string, expiresIn time.Duration) (string, time.Time, error) {
	if !s.IsEnabled() {
		return "", time.Time{}, ErrNoSecretKey
	}
	if expiresIn <= 0 {
		expiresIn = s.defaultExpiration
	}

	expiresAt := s.now().Add(expiresIn).Truncate(time.Second)
	signature := s.sign(method, path, expiresAt.Unix())

	escaped := (&url.URL{Path: path}).EscapedPath()
	signed := fmt.Sprintf("%s%s?signature=%s&expires=%d", s.baseURL, escaped, signature, expiresAt.Unix())
	return signed, expiresAt, nil
}

// ValidateRequest checks the signature and expiry carried by r
func (s *Signer) ValidateRequest(r *http.Request) error {
	query := r.URL.Query()
	signature := query.Get("signature")
	expires := query.Get("expires")

	if signature == "" {
		return ErrMissingSignature
	}
	if expires == "" {
		return ErrMissingExpiration
	}
	expiresAt, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpiration, err)
	}

	return s.Validate(r.Method, r.URL.Path, signature, expiresAt)
}

// Validate validates the signature and expiration for method and path
func (s *Signer) Validate(method, path, signature string, expiresAt int64) error {
	if s.now().Unix() > expiresAt {
		return ErrExpired
	}

	expected := s.sign(method, path, expiresAt)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *Signer) sign(method, path string, expiresAt int64) string {
	payload := fmt.Sprintf("%s|%s|%d", strings.ToUpper(method), path, expiresAt)
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
