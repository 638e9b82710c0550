package lti

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// IMS claim URIs and vocab used in LTI 1.3 id_tokens.
const (
	ClaimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLink   = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimToolPlatform = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimDeepLinking  = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"

	MessageTypeResourceLink = "LtiResourceLinkRequest"
	MessageTypeDeepLinking  = "LtiDeepLinkingRequest"

	LTIVersion = "1.3.0"
)

// Role vocab URIs. Platforms send both institution-scoped and
// context-scoped variants; role checks match on either.
const (
	RoleSystemAdmin       = "http://purl.imsglobal.org/vocab/lis/v2/system/person#Administrator"
	RoleInstructor        = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Instructor"
	RoleStudent           = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Student"
	RoleContextInstructor = "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"
	RoleContextLearner    = "http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"
	RoleContextAdmin      = "http://purl.imsglobal.org/vocab/lis/v2/membership#Administrator"
)

// LaunchContext is the validated, flattened view of one launch id_token.
// This is what the session layer receives once trust checks pass.
type LaunchContext struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	DeploymentID string `json:"deployment_id"`

	Subject    string `json:"subject"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`

	MessageType   string   `json:"message_type"`
	TargetLinkURI string   `json:"target_link_uri,omitempty"`
	Roles         []string `json:"roles,omitempty"`

	ContextID      string `json:"context_id,omitempty"`
	ContextLabel   string `json:"context_label,omitempty"`
	ContextTitle   string `json:"context_title,omitempty"`
	ResourceLinkID string `json:"resource_link_id,omitempty"`

	Custom map[string]string `json:"custom,omitempty"`

	// Raw keeps the full claim set for consumers needing service claims
	// (AGS endpoints, deep-linking settings).
	Raw jwt.MapClaims `json:"-"`
}

// FromClaims flattens a verified id_token claim set into a LaunchContext.
// It does not validate; the caller has already proven the token.
func FromClaims(claims jwt.MapClaims) LaunchContext {
	lc := LaunchContext{
		Subject:       str(claims["sub"]),
		Email:         str(claims["email"]),
		Name:          str(claims["name"]),
		GivenName:     str(claims["given_name"]),
		FamilyName:    str(claims["family_name"]),
		MessageType:   str(claims[ClaimMessageType]),
		DeploymentID:  str(claims[ClaimDeploymentID]),
		TargetLinkURI: str(claims[ClaimTargetLink]),
		Roles:         strSlice(claims[ClaimRoles]),
		Raw:           claims,
	}
	if iss, err := claims.GetIssuer(); err == nil {
		lc.Issuer = iss
	}
	if ctxClaim, ok := claims[ClaimContext].(map[string]any); ok {
		lc.ContextID = str(ctxClaim["id"])
		lc.ContextLabel = str(ctxClaim["label"])
		lc.ContextTitle = str(ctxClaim["title"])
	}
	if rl, ok := claims[ClaimResourceLink].(map[string]any); ok {
		lc.ResourceLinkID = str(rl["id"])
	}
	if custom, ok := claims[ClaimCustom].(map[string]any); ok {
		lc.Custom = make(map[string]string, len(custom))
		for k, v := range custom {
			lc.Custom[k] = str(v)
		}
	}
	return lc
}

// IsInstructor reports whether any role marks the user as teaching staff.
func (lc LaunchContext) IsInstructor() bool {
	for _, r := range lc.Roles {
		if strings.Contains(r, "Instructor") || strings.Contains(r, "Administrator") {
			return true
		}
	}
	return false
}

// IsLearner reports whether any role marks the user as a learner.
func (lc LaunchContext) IsLearner() bool {
	for _, r := range lc.Roles {
		if strings.Contains(r, "Learner") || strings.Contains(r, "Student") {
			return true
		}
	}
	return false
}

// SimpleRole collapses the role URIs to one of admin, teacher, student,
// unknown. Admin wins over teacher, teacher over student.
func (lc LaunchContext) SimpleRole() string {
	for _, r := range lc.Roles {
		if strings.Contains(r, "Administrator") {
			return "admin"
		}
	}
	if lc.IsInstructor() {
		return "teacher"
	}
	if lc.IsLearner() {
		return "student"
	}
	return "unknown"
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
