// internal/admin/platforms.go
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/newton-ai/lti-gateway/internal/lti"
)

/*
Package admin exposes the operator-facing HTTP API:
  - Platform registrations (issuer, client_id, endpoints)
  - Tool key rotation

It is intentionally thin and delegates persistence to a Store interface.
All endpoints sit behind basic auth checked against a bcrypt hash.

Route prefix (suggested): /admin
*/

// Store is the persistence interface used by the platform registry API.
type Store interface {
	List(ctx context.Context) ([]lti.Platform, error)
	ByIssuer(ctx context.Context, issuer string) (lti.Platform, error)
	Upsert(ctx context.Context, p lti.Platform) error
	Delete(ctx context.Context, issuer, clientID string) error
}

// Rotator triggers a tool signing-key rotation.
type Rotator interface {
	Rotate(ctx context.Context) (lti.ToolKey, error)
}

// Routes returns the admin API. Mount it under something like:
// r.Mount("/admin", admin.Routes(store, keys, user, passHash))
func Routes(store Store, keys Rotator, user, passHash string) http.Handler {
	r := chi.NewRouter()
	r.Use(basicAuth(user, passHash))

	r.Get("/platforms", listPlatforms(store))
	r.Post("/platforms", upsertPlatform(store))
	r.Get("/platforms/{issuer}", getPlatform(store))
	r.Delete("/platforms/{issuer}/{clientID}", deletePlatform(store))

	r.Post("/keys/rotate", rotateKeys(keys))

	return r
}

// basicAuth guards the admin surface. The configured password is a bcrypt
// hash; an empty user disables the whole surface rather than opening it.
func basicAuth(user, passHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user == "" || passHash == "" {
				writeErr(w, http.StatusForbidden, "admin API disabled")
				return
			}
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(passHash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="lti-gateway admin"`)
				writeErr(w, http.StatusUnauthorized, "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

/* ------------------------------ Platforms --------------------------------- */

// PlatformReq is the registration payload. Issuer and client_id form the
// identity; deployment_id optionally pins trust to one deployment.
type PlatformReq struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	DeploymentID string `json:"deployment_id,omitempty"`
	OIDCAuthURL  string `json:"oidc_auth_url"`
	JWKSURL      string `json:"jwks_url"`
	TokenURL     string `json:"token_url,omitempty"`
	Name         string `json:"name,omitempty"`
}

func listPlatforms(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := store.List(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if items == nil {
			items = []lti.Platform{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func upsertPlatform(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PlatformReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if msg := validatePlatformReq(req); msg != "" {
			writeErr(w, http.StatusBadRequest, msg)
			return
		}

		p := lti.Platform{
			Issuer:       strings.TrimSpace(req.Issuer),
			ClientID:     strings.TrimSpace(req.ClientID),
			DeploymentID: strings.TrimSpace(req.DeploymentID),
			OIDCAuthURL:  strings.TrimSpace(req.OIDCAuthURL),
			JWKSURL:      strings.TrimSpace(req.JWKSURL),
			TokenURL:     strings.TrimSpace(req.TokenURL),
			Name:         strings.TrimSpace(req.Name),
		}
		if err := store.Upsert(r.Context(), p); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func getPlatform(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issuer, err := url.PathUnescape(chi.URLParam(r, "issuer"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid issuer")
			return
		}
		p, err := store.ByIssuer(r.Context(), issuer)
		if err != nil {
			if errors.Is(err, lti.ErrPlatformNotFound) {
				writeErr(w, http.StatusNotFound, "platform not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func deletePlatform(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issuer, err := url.PathUnescape(chi.URLParam(r, "issuer"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid issuer")
			return
		}
		clientID := chi.URLParam(r, "clientID")
		if err := store.Delete(r.Context(), issuer, clientID); err != nil {
			if errors.Is(err, lti.ErrPlatformNotFound) {
				writeErr(w, http.StatusNotFound, "platform not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

/* -------------------------------- Keys ------------------------------------ */

func rotateKeys(keys Rotator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if keys == nil {
			writeErr(w, http.StatusNotImplemented, "key rotation not configured")
			return
		}
		k, err := keys.Rotate(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"kid":       k.KID,
			"alg":       k.Alg,
			"not_after": k.NotAfter,
		})
	}
}

/* ------------------------------ Validation -------------------------------- */

func validatePlatformReq(req PlatformReq) string {
	if strings.TrimSpace(req.Issuer) == "" {
		return "issuer is required"
	}
	if !isHTTPURL(req.Issuer) {
		return "issuer must be http(s) URL"
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return "client_id is required"
	}
	if strings.TrimSpace(req.OIDCAuthURL) == "" {
		return "oidc_auth_url is required"
	}
	if !isHTTPURL(req.OIDCAuthURL) {
		return "oidc_auth_url must be http(s) URL"
	}
	if strings.TrimSpace(req.JWKSURL) == "" {
		return "jwks_url is required"
	}
	if !isHTTPURL(req.JWKSURL) {
		return "jwks_url must be http(s) URL"
	}
	if req.TokenURL != "" && !isHTTPURL(req.TokenURL) {
		return "token_url must be http(s) URL"
	}
	return ""
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

/* -------------------------------- Helpers --------------------------------- */

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
