package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/vaultdash/internal/crypto"
)

// maxSignedBody bounds the body read for signature verification.
const maxSignedBody = 64 << 10

// Auth guards a route with either a static API key (Bearer token or
// X-API-Key) or, when signer is set, an HMAC-signed request. With neither
// configured every request passes.
func Auth(apiKey string, signer *crypto.HMACAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" && signer == nil {
				next.ServeHTTP(w, r)
				return
			}

			if signer != nil && r.Header.Get(crypto.HeaderSignature) != "" {
				if err := verifySigned(r, signer); err != nil {
					writeUnauthorized(w, "invalid request signature")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if apiKey == "" {
				writeUnauthorized(w, "signed request required")
				return
			}
			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// verifySigned checks the signature headers and restores the body for the
// next handler.
func verifySigned(r *http.Request, signer *crypto.HMACAuth) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		return err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	return signer.Verify(
		r.Header.Get(crypto.HeaderAPIKey),
		r.Header.Get(crypto.HeaderTimestamp),
		r.Header.Get(crypto.HeaderSignature),
		r.Method, r.URL.Path, string(body), time.Now(),
	)
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
