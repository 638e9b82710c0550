package lti

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Launch validation (the second leg of an LTI 1.3 launch).

The platform POSTs id_token and state here via form_post. Trust is
established in order: state consumed (single use), platform resolved from
the state, signature verified against the platform's published keys,
standard claims checked, nonce bound to the state, deployment pinned. Only
then does the flattened LaunchContext reach the session layer.

All replay outcomes and all verification failures collapse to generic
messages externally; the distinguishing detail goes to the audit log only.
*/

// SessionBootstrapper turns a validated launch into an application session
// (cookies, redirect into the tool UI). The trust core stops at the handoff.
type SessionBootstrapper interface {
	Bootstrap(w http.ResponseWriter, r *http.Request, lc LaunchContext) error
}

// SessionBootstrapFunc adapts a function to SessionBootstrapper.
type SessionBootstrapFunc func(w http.ResponseWriter, r *http.Request, lc LaunchContext) error

func (f SessionBootstrapFunc) Bootstrap(w http.ResponseWriter, r *http.Request, lc LaunchContext) error {
	return f(w, r, lc)
}

// Validator handles POST /lti/launch.
type Validator struct {
	Platforms Registry
	States    StateStore
	Keys      *PlatformKeys
	Sessions  SessionBootstrapper
	Sealer    *Sealer // optional cookieless fallback channel

	ClockSkew time.Duration // leeway on exp/iat/nbf; default 2m
}

func (h *Validator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeReject(w, reject(ProtocolViolation, http.StatusMethodNotAllowed,
			"method not allowed", "launch: "+r.Method+" not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeReject(w, reject(ProtocolViolation, http.StatusBadRequest,
			"malformed request", "launch: unparseable form"))
		return
	}

	// The platform reports its own authentication failures in the error
	// field instead of an id_token.
	if oauthErr := r.PostForm.Get("error"); oauthErr != "" {
		desc := r.PostForm.Get("error_description")
		if desc == "" {
			desc = oauthErr
		}
		writeReject(w, reject(ProtocolViolation, http.StatusBadRequest,
			"platform reported an authentication error", "launch: platform error: "+oauthErr+": "+desc))
		return
	}

	idToken := r.PostForm.Get("id_token")
	stateParam := r.PostForm.Get("state")
	if idToken == "" || stateParam == "" {
		writeReject(w, reject(ProtocolViolation, http.StatusBadRequest,
			"missing required parameter", "launch: id_token and state are required"))
		return
	}

	st, rej := h.consumeState(r, stateParam)
	if rej != nil {
		writeReject(w, rej)
		return
	}

	p, err := h.Platforms.ByIssuer(r.Context(), st.Issuer)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			writeReject(w, reject(ConfigurationError, http.StatusForbidden,
				"unknown platform", "launch: registration vanished for issuer "+st.Issuer))
			return
		}
		writeReject(w, rejectErr(TransientDependency, http.StatusServiceUnavailable,
			"service unavailable", "launch: registry lookup", err))
		return
	}

	claims, rej := h.verifyIDToken(r, idToken, p, st)
	if rej != nil {
		writeReject(w, rej)
		return
	}

	lc := FromClaims(claims)
	lc.ClientID = p.ClientID
	if lc.TargetLinkURI == "" {
		lc.TargetLinkURI = st.TargetLinkURI
	}

	log.Printf("lti: launch accepted: issuer=%s sub=%s type=%s role=%s",
		lc.Issuer, lc.Subject, lc.MessageType, lc.SimpleRole())

	if h.Sessions == nil {
		writeJSON(w, http.StatusOK, lc)
		return
	}
	if err := h.Sessions.Bootstrap(w, r, lc); err != nil {
		writeReject(w, rejectErr(TransientDependency, http.StatusInternalServerError,
			"launch failed", "launch: session bootstrap", err))
	}
}

// consumeState resolves the state parameter: the durable store first, the
// sealed envelope as cookieless fallback. Every replay flavor maps to the
// same external message.
func (h *Validator) consumeState(r *http.Request, stateParam string) (OIDCState, *Reject) {
	st, err := h.States.Consume(r.Context(), stateParam)
	if err == nil {
		return st, nil
	}

	switch {
	case errors.Is(err, ErrStateNotFound):
		if h.Sealer != nil {
			if st, openErr := h.Sealer.Open(stateParam); openErr == nil {
				log.Printf("lti: launch: state served from sealed envelope: issuer=%s", st.Issuer)
				return st, nil
			}
		}
		return OIDCState{}, reject(ReplayRejected, http.StatusUnauthorized,
			"invalid or expired launch", "launch: state not found")
	case errors.Is(err, ErrStateExpired):
		return OIDCState{}, reject(ReplayRejected, http.StatusUnauthorized,
			"invalid or expired launch", "launch: state expired")
	case errors.Is(err, ErrStateConsumed):
		return OIDCState{}, reject(ReplayRejected, http.StatusUnauthorized,
			"invalid or expired launch", "launch: state already consumed")
	default:
		return OIDCState{}, rejectErr(TransientDependency, http.StatusServiceUnavailable,
			"service unavailable", "launch: state consume", err)
	}
}

// verifyIDToken proves the token came from the platform and belongs to this
// login attempt. All failures share one external message.
func (h *Validator) verifyIDToken(r *http.Request, idToken string, p Platform, st OIDCState) (jwt.MapClaims, *Reject) {
	const public = "launch verification failed"

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(p.Issuer),
		jwt.WithAudience(p.ClientID),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(h.skew()),
	)

	var transient error
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(idToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("id_token header has no kid")
		}
		key, err := h.Keys.VerificationKey(r.Context(), p.JWKSURL, kid)
		if errors.Is(err, ErrJWKSUnavailable) {
			transient = err
		}
		return key, err
	})
	if transient != nil {
		return nil, rejectErr(TransientDependency, http.StatusServiceUnavailable,
			"service unavailable", "launch: issuer "+p.Issuer, transient)
	}
	if err != nil {
		return nil, rejectErr(ProtocolViolation, http.StatusUnauthorized,
			public, "launch: id_token verify: issuer "+p.Issuer, err)
	}

	// The nonce binds the id_token to the exact login attempt the state
	// came from.
	if nonce, _ := claims["nonce"].(string); nonce != st.Nonce {
		return nil, reject(ProtocolViolation, http.StatusUnauthorized,
			public, "launch: nonce mismatch: issuer "+p.Issuer)
	}

	if p.DeploymentID != "" {
		if dep := str(claims[ClaimDeploymentID]); dep != p.DeploymentID {
			return nil, reject(ProtocolViolation, http.StatusUnauthorized,
				public, "launch: deployment_id mismatch: issuer "+p.Issuer)
		}
	}

	switch mt := str(claims[ClaimMessageType]); mt {
	case MessageTypeResourceLink, MessageTypeDeepLinking:
	case "":
		return nil, reject(ProtocolViolation, http.StatusUnauthorized,
			public, "launch: missing message_type: issuer "+p.Issuer)
	default:
		return nil, reject(ProtocolViolation, http.StatusUnauthorized,
			public, fmt.Sprintf("launch: unsupported message_type %q: issuer %s", mt, p.Issuer))
	}

	// Version drift is logged, not fatal, matching how platforms actually
	// behave in the field.
	if v := str(claims[ClaimVersion]); v != LTIVersion {
		log.Printf("lti: launch: version %q from issuer %s, expected %s", v, p.Issuer, LTIVersion)
	}

	return claims, nil
}

func (h *Validator) skew() time.Duration {
	if h.ClockSkew > 0 {
		return h.ClockSkew
	}
	return 2 * time.Minute
}
