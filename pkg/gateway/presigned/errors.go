package presigned

import (
	"errors"
	"net/http"
)

var (
	ErrNoSecretKey       = errors.New("presigned: signing secret not configured")
	ErrMissingSignature  = errors.New("presigned: signature parameter missing")
	ErrMissingExpiration = errors.New("presigned: expires parameter missing")
	ErrInvalidExpiration = errors.New("presigned: expires parameter is not a unix timestamp")
	ErrExpired           = errors.New("presigned: URL expired")
	ErrInvalidSignature  = errors.New("presigned: signature mismatch")
)

var authErrors = []error{ErrMissingSignature, ErrMissingExpiration, ErrInvalidExpiration, ErrExpired, ErrInvalidSignature}

// IsAuthError reports whether err rejects a request's signature or expiry
func IsAuthError(err error) bool {
	for _, target := range authErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// StatusCode is the HTTP status a rejected request is answered with.
// Missing parameters are 401, malformed ones 400, everything else 403.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrMissingExpiration):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidExpiration):
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}
