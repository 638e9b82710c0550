package lti

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"
)

/*
OIDC third-party initiated login (the first leg of an LTI 1.3 launch).

The platform sends the browser here with iss and login_hint. We look the
platform up, mint single-use state and nonce, and bounce the browser to the
platform's authorization endpoint. The platform then POSTs the signed
id_token back to /lti/launch with our state echoed.

Platforms send this as GET or POST depending on vendor; both are accepted.
*/

// Initiator handles GET/POST /lti/login.
type Initiator struct {
	Platforms   Registry
	States      StateStore
	Sealer      *Sealer       // optional cookieless fallback channel
	RedirectURI string        // absolute URI of our launch endpoint
	StateTTL    time.Duration // lifetime of sealed fallback states; default 5m
}

func (h *Initiator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeReject(w, reject(ProtocolViolation, http.StatusBadRequest,
			"malformed request", "login: unparseable form"))
		return
	}

	iss := r.Form.Get("iss")
	loginHint := r.Form.Get("login_hint")
	if iss == "" || loginHint == "" {
		writeReject(w, reject(ProtocolViolation, http.StatusBadRequest,
			"missing required parameter", "login: iss and login_hint are required"))
		return
	}
	clientID := r.Form.Get("client_id")
	messageHint := r.Form.Get("lti_message_hint")
	targetLink := r.Form.Get("target_link_uri")
	deploymentID := r.Form.Get("lti_deployment_id")

	p, err := h.resolvePlatform(r, iss, clientID)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			writeReject(w, reject(ConfigurationError, http.StatusForbidden,
				"unknown platform", "login: no registration for issuer "+iss))
			return
		}
		writeReject(w, rejectErr(TransientDependency, http.StatusServiceUnavailable,
			"service unavailable", "login: registry lookup", err))
		return
	}

	// A platform that sends client_id must send ours.
	if clientID != "" && clientID != p.ClientID {
		writeReject(w, reject(ConfigurationError, http.StatusForbidden,
			"unknown platform", "login: client_id mismatch for issuer "+iss))
		return
	}
	// Same for deployment when we pin one at registration time.
	if deploymentID != "" && p.DeploymentID != "" && deploymentID != p.DeploymentID {
		writeReject(w, reject(ConfigurationError, http.StatusForbidden,
			"unknown platform", "login: deployment_id mismatch for issuer "+iss))
		return
	}

	req := StateRequest{
		Issuer:        p.Issuer,
		ClientID:      p.ClientID,
		LoginHint:     loginHint,
		MessageHint:   messageHint,
		TargetLinkURI: targetLink,
	}

	// The state parameter is normally the store token. If the store is down
	// and a sealer is configured, a sealed envelope rides in its place so
	// the launch can still be verified cookielessly.
	st, err := h.States.Create(r.Context(), req)
	stateParam := st.State
	if err != nil {
		if h.Sealer == nil {
			writeReject(w, rejectErr(TransientDependency, http.StatusServiceUnavailable,
				"service unavailable", "login: state create", err))
			return
		}
		st = newState(req, time.Now().UTC(), h.stateTTL())
		sealed, sealErr := h.Sealer.Seal(st)
		if sealErr != nil {
			writeReject(w, rejectErr(TransientDependency, http.StatusServiceUnavailable,
				"service unavailable", "login: state create", err))
			return
		}
		log.Printf("lti: login: state store unavailable, using sealed state: %v", err)
		stateParam = sealed
	}

	authURL, err := h.buildAuthRequest(p, st, stateParam)
	if err != nil {
		writeReject(w, rejectErr(ConfigurationError, http.StatusInternalServerError,
			"platform misconfigured", "login: auth url for issuer "+iss, err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// resolvePlatform looks the registration up by issuer, falling back to
// client_id for platforms that front multiple issuers behind one tool key.
func (h *Initiator) resolvePlatform(r *http.Request, iss, clientID string) (Platform, error) {
	p, err := h.Platforms.ByIssuer(r.Context(), iss)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPlatformNotFound) {
		return Platform{}, err
	}
	if clientID == "" {
		return Platform{}, ErrPlatformNotFound
	}
	return h.Platforms.ByClientID(r.Context(), clientID)
}

// buildAuthRequest assembles the OIDC authentication request URL per the
// LTI 1.3 security profile (implicit flow, form_post, no prompt).
func (h *Initiator) buildAuthRequest(p Platform, st OIDCState, stateParam string) (string, error) {
	u, err := url.Parse(p.OIDCAuthURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("prompt", "none")
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", h.RedirectURI)
	q.Set("login_hint", st.LoginHint)
	q.Set("state", stateParam)
	q.Set("nonce", st.Nonce)
	if st.MessageHint != "" {
		q.Set("lti_message_hint", st.MessageHint)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (h *Initiator) stateTTL() time.Duration {
	if h.StateTTL > 0 {
		return h.StateTTL
	}
	return 5 * time.Minute
}
