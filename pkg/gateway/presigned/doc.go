// Package presigned issues and validates HMAC-signed, time-limited URLs for
// backends without native presigning, such as the local filesystem.
//
// A signed URL carries two query parameters, signature and expires. The
// signature is HMAC-SHA256 over "METHOD|PATH|EXPIRES".
//
//	signer := presigned.New(presigned.WithSecretKey(secret))
//	url, expiresAt, err := signer.SignURL("GET", "/presigned/local/docs/a.pdf", time.Hour)
//
// The serving side wraps its handler with Middleware so only requests
// carrying a valid, unexpired signature reach it:
//
//	r.With(presigned.Middleware(signer)).Get("/presigned/{storage}/*", h)
package presigned
