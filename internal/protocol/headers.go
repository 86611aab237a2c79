package protocol

import "net/http"

// Request headers carrying the Scope.
const (
	HeaderUserID      = "X-User-ID"
	HeaderWorkspaceID = "X-Workspace-ID"
	HeaderClientID    = "X-Client-ID"
)

// SetHeaders writes the scope onto h.
func (s Scope) SetHeaders(h http.Header) {
	h.Set(HeaderUserID, s.UserID)
	h.Set(HeaderWorkspaceID, s.WorkspaceID)
	if s.ClientID != "" {
		h.Set(HeaderClientID, s.ClientID)
	}
}

// ScopeFromHeaders reads a scope written by SetHeaders.
func ScopeFromHeaders(h http.Header) Scope {
	return Scope{
		UserID:      h.Get(HeaderUserID),
		WorkspaceID: h.Get(HeaderWorkspaceID),
		ClientID:    h.Get(HeaderClientID),
	}
}
