package lti

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// RejectClass classifies terminal failures in the launch-trust flow.
// Verification detail never reaches the external caller; it is logged with
// the class so operators can tell a replay from a misconfigured platform.
type RejectClass string

const (
	// ConfigurationError covers unknown or misconfigured platforms. It is an
	// expected outcome (an unregistered LMS attempting a launch), not a
	// system error.
	ConfigurationError RejectClass = "configuration_error"

	// ProtocolViolation covers missing/malformed parameters, mismatched
	// client or deployment ids, and signature or claim verification
	// failures. Always terminal, always audit-logged.
	ProtocolViolation RejectClass = "protocol_violation"

	// ReplayRejected covers state not found, expired, or already consumed.
	// Surfaced identically to the caller to avoid leaking which one.
	ReplayRejected RejectClass = "replay_rejected"

	// TransientDependency covers platform JWKS fetch failures after the
	// bounded retries are exhausted.
	TransientDependency RejectClass = "transient_dependency"
)

// Reject is a classified terminal rejection. Public is the caller-safe
// message; Reason carries the internal detail and is only logged.
type Reject struct {
	Class  RejectClass
	Status int
	Public string
	Reason string
	Err    error
}

func (r *Reject) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Class, r.Reason, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Class, r.Reason)
}

func (r *Reject) Unwrap() error { return r.Err }

func reject(class RejectClass, status int, public, reason string) *Reject {
	return &Reject{Class: class, Status: status, Public: public, Reason: reason}
}

func rejectErr(class RejectClass, status int, public, reason string, err error) *Reject {
	return &Reject{Class: class, Status: status, Public: public, Reason: reason, Err: err}
}

type errResp struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeReject logs the full detail and writes only the caller-safe JSON body.
// ConfigurationError is routine (unregistered platform knocking) and is not
// an alarm condition; the other classes are security-audit lines.
func writeReject(w http.ResponseWriter, r *Reject) {
	switch r.Class {
	case ConfigurationError:
		log.Printf("lti: rejected (%s): %s", r.Class, r.Reason)
	default:
		log.Printf("lti: AUDIT rejected (%s): %v", r.Class, r)
	}
	writeJSON(w, r.Status, errResp{Error: string(r.Class), Message: r.Public})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
