package lti_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/newton-ai/lti-gateway/internal/lti"
)

func testPlatform() lti.Platform {
	return lti.Platform{
		Issuer:      "https://lms.example.edu",
		ClientID:    "tool-123",
		OIDCAuthURL: "https://lms.example.edu/auth",
		JWKSURL:     "https://lms.example.edu/jwks",
		Name:        "Example LMS",
	}
}

func newInitiator(store lti.StateStore) *lti.Initiator {
	return &lti.Initiator{
		Platforms:   lti.NewInMemoryRegistry(testPlatform()),
		States:      store,
		RedirectURI: "https://tool.example.com/lti/launch",
	}
}

func doLogin(t *testing.T, h http.Handler, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/lti/login", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLoginRedirectsToPlatformAuth(t *testing.T) {
	store := lti.NewInMemoryStateStore(5*time.Minute, 0)
	h := newInitiator(store)

	w := doLogin(t, h, url.Values{
		"iss":              {"https://lms.example.edu"},
		"login_hint":       {"user-42"},
		"client_id":        {"tool-123"},
		"lti_message_hint": {"hint-7"},
		"target_link_uri":  {"https://tool.example.com/chat"},
	})

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != "https://lms.example.edu/auth" {
		t.Fatalf("redirected to %s", got)
	}

	q := loc.Query()
	fixed := map[string]string{
		"response_type":    "id_token",
		"response_mode":    "form_post",
		"scope":            "openid",
		"prompt":           "none",
		"client_id":        "tool-123",
		"redirect_uri":     "https://tool.example.com/lti/launch",
		"login_hint":       "user-42",
		"lti_message_hint": "hint-7",
	}
	for k, want := range fixed {
		if got := q.Get(k); got != want {
			t.Fatalf("param %s = %q, want %q", k, got, want)
		}
	}

	state, nonce := q.Get("state"), q.Get("nonce")
	if state == "" || nonce == "" || state == nonce {
		t.Fatalf("bad state/nonce: %q / %q", state, nonce)
	}

	// The redirect's state must be consumable and carry the same nonce.
	st, err := store.Consume(context.Background(), state)
	if err != nil {
		t.Fatalf("consume issued state: %v", err)
	}
	if st.Nonce != nonce || st.Issuer != "https://lms.example.edu" || st.TargetLinkURI != "https://tool.example.com/chat" {
		t.Fatalf("stored record mismatch: %+v", st)
	}
}

func TestLoginGETAccepted(t *testing.T) {
	h := newInitiator(lti.NewInMemoryStateStore(5*time.Minute, 0))
	req := httptest.NewRequest(http.MethodGet,
		"/lti/login?iss=https%3A%2F%2Flms.example.edu&login_hint=user-42", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body %s", w.Code, w.Body.String())
	}
}

func TestLoginMissingParameters(t *testing.T) {
	h := newInitiator(lti.NewInMemoryStateStore(5*time.Minute, 0))

	for name, params := range map[string]url.Values{
		"no iss":        {"login_hint": {"user-42"}},
		"no login_hint": {"iss": {"https://lms.example.edu"}},
		"empty":         {},
	} {
		w := doLogin(t, h, params)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, w.Code)
		}
	}
}

func TestLoginUnknownPlatform(t *testing.T) {
	store := lti.NewInMemoryStateStore(5*time.Minute, 0)
	h := newInitiator(store)

	w := doLogin(t, h, url.Values{
		"iss":        {"https://evil.example.com"},
		"login_hint": {"user-42"},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unknown platform") {
		t.Fatalf("body %q lacks generic message", w.Body.String())
	}
	// No state may be minted for a rejected initiation.
	if n, _ := store.PurgeExpired(context.Background()); n != 0 {
		t.Fatalf("state store touched on rejection")
	}
}

func TestLoginClientIDMismatch(t *testing.T) {
	h := newInitiator(lti.NewInMemoryStateStore(5*time.Minute, 0))
	w := doLogin(t, h, url.Values{
		"iss":        {"https://lms.example.edu"},
		"login_hint": {"user-42"},
		"client_id":  {"someone-else"},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestLoginDeploymentIDMismatch(t *testing.T) {
	p := testPlatform()
	p.DeploymentID = "dep-1"
	h := &lti.Initiator{
		Platforms:   lti.NewInMemoryRegistry(p),
		States:      lti.NewInMemoryStateStore(5*time.Minute, 0),
		RedirectURI: "https://tool.example.com/lti/launch",
	}

	w := doLogin(t, h, url.Values{
		"iss":               {"https://lms.example.edu"},
		"login_hint":        {"user-42"},
		"lti_deployment_id": {"dep-2"},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	// Matching deployment passes.
	w = doLogin(t, h, url.Values{
		"iss":               {"https://lms.example.edu"},
		"login_hint":        {"user-42"},
		"lti_deployment_id": {"dep-1"},
	})
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
}

/* --------------------- sealed fallback when store is down ------------------ */

type downStateStore struct{}

func (downStateStore) Create(context.Context, lti.StateRequest) (lti.OIDCState, error) {
	return lti.OIDCState{}, errors.New("connection refused")
}
func (downStateStore) Consume(context.Context, string) (lti.OIDCState, error) {
	return lti.OIDCState{}, lti.ErrStateNotFound
}
func (downStateStore) PurgeExpired(context.Context) (int64, error) { return 0, nil }

func TestLoginSealedFallbackWhenStoreDown(t *testing.T) {
	sealer, err := lti.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	h := &lti.Initiator{
		Platforms:   lti.NewInMemoryRegistry(testPlatform()),
		States:      downStateStore{},
		Sealer:      sealer,
		RedirectURI: "https://tool.example.com/lti/launch",
	}

	w := doLogin(t, h, url.Values{
		"iss":        {"https://lms.example.edu"},
		"login_hint": {"user-42"},
	})
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body %s", w.Code, w.Body.String())
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	q := loc.Query()

	st, err := sealer.Open(q.Get("state"))
	if err != nil {
		t.Fatalf("state param is not a valid envelope: %v", err)
	}
	if st.Nonce != q.Get("nonce") {
		t.Fatalf("envelope nonce %q != redirect nonce %q", st.Nonce, q.Get("nonce"))
	}
}

func TestLoginStoreDownWithoutSealerFails(t *testing.T) {
	h := &lti.Initiator{
		Platforms:   lti.NewInMemoryRegistry(testPlatform()),
		States:      downStateStore{},
		RedirectURI: "https://tool.example.com/lti/launch",
	}
	w := doLogin(t, h, url.Values{
		"iss":        {"https://lms.example.edu"},
		"login_hint": {"user-42"},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}
