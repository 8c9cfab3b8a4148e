package presigned

import "time"

// Option is a functional option for configuring a Signer
type Option func(*Signer)

// WithSecretKey sets the secret key used for HMAC signing
func WithSecretKey(key string) Option {
	return func(s *Signer) {
		s.secretKey = []byte(key)
	}
}

// WithDefaultExpiration is used when SignURL is called with a zero duration
func WithDefaultExpiration(d time.Duration) Option {
	return func(s *Signer) {
		s.defaultExpiration = d
	}
}

// WithBaseURL prefixes every signed path, e.g. "https://files.example.com"
func WithBaseURL(baseURL string) Option {
	return func(s *Signer) {
		s.baseURL = baseURL
	}
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}
