// Package protocol defines the messages exchanged between clients and the
// sync server: push and pull over HTTP, and change notifications over the
// realtime channel.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tasklytic/tasklytic/internal/schema"
)

// Scope identifies who is syncing what. Authentication is handled outside
// the sync core; the scope is carried as request metadata.
type Scope struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	// ClientID identifies one installation, so clients can ignore
	// notifications caused by their own pushes.
	ClientID string `json:"client_id,omitempty"`
}

// Validate checks the scope carries a user and a workspace.
func (s Scope) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: user id is required", schema.ErrSchemaInvalid)
	}
	if s.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace id is required", schema.ErrSchemaInvalid)
	}
	return nil
}

// Change is one pushed journal entry.
type Change struct {
	EntryID     string            `json:"entry_id"`
	EntityType  schema.EntityType `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Operation   schema.Operation  `json:"operation"`
	Payload     schema.Envelope   `json:"payload"`
	BaseVersion int64             `json:"base_version"`
}

// Key returns the key of the changed entity.
func (c Change) Key() schema.Key {
	return schema.Key{Type: c.EntityType, ID: c.EntityID}
}

// Status is the per-change outcome of a push.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusConflict Status = "conflict"
	StatusRejected Status = "rejected"
)

// Result is the server's answer for one Change.
type Result struct {
	EntryID string `json:"entry_id"`
	Status  Status `json:"status"`
	// NewVersion is set when Status is accepted.
	NewVersion int64 `json:"new_version,omitempty"`
	// Server is the current server copy when Status is conflict.
	Server *schema.Envelope `json:"server,omitempty"`
	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`
}

// Accepted builds an accepted result.
func Accepted(entryID string, newVersion int64) Result {
	return Result{EntryID: entryID, Status: StatusAccepted, NewVersion: newVersion}
}

// Conflict builds a conflict result carrying the server copy.
func Conflict(entryID string, server schema.Envelope) Result {
	return Result{EntryID: entryID, Status: StatusConflict, Server: &server}
}

// Rejected builds a rejected result.
func Rejected(entryID, reason string) Result {
	return Result{EntryID: entryID, Status: StatusRejected, Reason: reason}
}

// PushRequest is the body of POST /api/v1/push.
type PushRequest struct {
	Changes []Change `json:"changes"`
}

// PushResponse is the reply to a PushRequest, one Result per Change in the
// same order.
type PushResponse struct {
	Results []Result `json:"results"`
}

// PullResponse is the reply to GET /api/v1/pull.
type PullResponse struct {
	Entities []schema.Envelope `json:"entities"`
	// Cursor is the highest server sequence included; pass it as since on
	// the next pull.
	Cursor  int64 `json:"cursor"`
	HasMore bool  `json:"has_more"`
}

// EventChanged is the only event type: something in the channel changed and
// subscribers should pull.
const EventChanged = "changed"

// Event is a realtime notification. It carries no entity data.
type Event struct {
	Type        string `json:"type"`
	Channel     string `json:"channel"`
	WorkspaceID string `json:"workspace_id"`
	Origin      string `json:"origin,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
}

// WorkspaceChannel names the channel carrying every change in a workspace.
func WorkspaceChannel(workspaceID string) string {
	return "workspace/" + workspaceID
}

// NoteChannel names the channel carrying changes to one note and its blocks.
func NoteChannel(workspaceID, noteID string) string {
	return WorkspaceChannel(workspaceID) + "/note/" + noteID
}

// WorkspacePattern matches every note channel of a workspace.
func WorkspacePattern(workspaceID string) string {
	return WorkspaceChannel(workspaceID) + "/**"
}

// WorkspaceOf extracts the workspace id from a channel name.
func WorkspaceOf(channel string) string {
	rest, ok := strings.CutPrefix(channel, "workspace/")
	if !ok {
		return ""
	}
	ws, _, _ := strings.Cut(rest, "/")
	return ws
}

// ErrPermissionDenied is returned when the scope's user may not access the
// workspace.
var ErrPermissionDenied = errors.New("permission denied")

// Error codes carried in ErrorResponse.
const (
	CodePermissionDenied = "permission_denied"
	CodeInvalid          = "invalid"
	CodeInternal         = "internal"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
