package lti

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// JWKSProvider yields the public key set to publish.
type JWKSProvider interface {
	PublicJWKS(ctx context.Context) (JWKS, error)
}

// JWKSHandler serves the tool's public JWKS at /.well-known/jwks.json.
//
// Platforms fetch this endpoint from their own backends and often from
// browser-side admin tooling, so it is world-readable, CORS-open, and
// cacheable. ETag lets well-behaved platforms revalidate cheaply.
type JWKSHandler struct {
	Provider    JWKSProvider
	CacheMaxAge time.Duration // default 1 hour
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		jwksCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	set, err := h.Provider.PublicJWKS(r.Context())
	if err != nil {
		log.Printf("lti: jwks: %v", err)
		http.Error(w, "key set unavailable", http.StatusServiceUnavailable)
		return
	}
	body, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "key set unavailable", http.StatusServiceUnavailable)
		return
	}

	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`

	jwksCORS(w)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.maxAge().Seconds())))
	w.Header().Set("ETag", etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

func (h *JWKSHandler) maxAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return time.Hour
}

func jwksCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Max-Age", "86400")
}
