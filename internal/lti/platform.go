package lti

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// A Platform is one trusted LMS deployment (Canvas, Moodle, Blackboard, ...).
// (Issuer, ClientID) is the unique identity; a single issuer may carry
// multiple client ids for multi-deployment installations.
type Platform struct {
	Issuer       string
	ClientID     string
	DeploymentID string // optional: narrows trust to one deployment instance
	OIDCAuthURL  string
	JWKSURL      string
	TokenURL     string // kept from registration; token exchange happens elsewhere
	Name         string
	CreatedAt    time.Time
}

// ErrPlatformNotFound signals an unregistered platform. It is a normal,
// expected outcome and is routed to an "unknown platform" rejection.
var ErrPlatformNotFound = errors.New("lti: platform not found")

// Registry is the read side of the platform store used by the launch-trust
// core. Registration itself is an admin concern.
type Registry interface {
	ByIssuer(ctx context.Context, issuer string) (Platform, error)
	ByClientID(ctx context.Context, clientID string) (Platform, error)
}

// InMemoryRegistry is a process-local Registry (dev/tests).
type InMemoryRegistry struct {
	mu        sync.RWMutex
	platforms []Platform
}

func NewInMemoryRegistry(platforms ...Platform) *InMemoryRegistry {
	r := &InMemoryRegistry{}
	for _, p := range platforms {
		r.Add(p)
	}
	return r
}

// Add inserts or replaces the platform keyed by (issuer, client id).
func (r *InMemoryRegistry) Add(p Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.platforms {
		if r.platforms[i].Issuer == p.Issuer && r.platforms[i].ClientID == p.ClientID {
			r.platforms[i] = p
			return
		}
	}
	r.platforms = append(r.platforms, p)
}

func (r *InMemoryRegistry) ByIssuer(_ context.Context, issuer string) (Platform, error) {
	if strings.TrimSpace(issuer) == "" {
		return Platform{}, errors.New("lti: empty issuer")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.platforms {
		if p.Issuer == issuer {
			return p, nil
		}
	}
	return Platform{}, ErrPlatformNotFound
}

func (r *InMemoryRegistry) ByClientID(_ context.Context, clientID string) (Platform, error) {
	if strings.TrimSpace(clientID) == "" {
		return Platform{}, errors.New("lti: empty client id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.platforms {
		if p.ClientID == clientID {
			return p, nil
		}
	}
	return Platform{}, ErrPlatformNotFound
}
