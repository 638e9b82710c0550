package lti

import (
	"net/http"
)

// ToolConfig is the setup document LMS administrators paste into their
// platform when registering this tool manually.
type ToolConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	OIDCInitiationURL string   `json:"oidc_initiation_url"`
	TargetLinkURI     string   `json:"target_link_uri"`
	RedirectURIs      []string `json:"redirect_uris"`
	JWKSURI           string   `json:"jwks_uri"`

	LTIVersion string              `json:"lti_version"`
	Messages   []ToolConfigMessage `json:"messages"`
	Claims     []string            `json:"claims"`
}

type ToolConfigMessage struct {
	Type          string `json:"type"`
	TargetLinkURI string `json:"target_link_uri"`
	Label         string `json:"label,omitempty"`
}

// NewToolConfig assembles the document from the public endpoint URIs.
func NewToolConfig(title, description, loginURI, launchURI, jwksURI string) ToolConfig {
	return ToolConfig{
		Title:             title,
		Description:       description,
		OIDCInitiationURL: loginURI,
		TargetLinkURI:     launchURI,
		RedirectURIs:      []string{launchURI},
		JWKSURI:           jwksURI,
		LTIVersion:        LTIVersion,
		Messages: []ToolConfigMessage{
			{Type: MessageTypeResourceLink, TargetLinkURI: launchURI, Label: title},
			{Type: MessageTypeDeepLinking, TargetLinkURI: launchURI, Label: "Add " + title + " Content"},
		},
		Claims: []string{"iss", "sub", "name", "given_name", "family_name", "email"},
	}
}

// ToolConfigHandler serves GET /lti/config. LMS admin consoles fetch it
// cross-origin, hence the open CORS header.
type ToolConfigHandler struct {
	Config ToolConfig
}

func (h *ToolConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		jwksCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, h.Config)
}
