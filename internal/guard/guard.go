// Package guard implements single-owner access control for agent commands.
package guard

import (
	"strings"

	"clawgate/internal/domain"
)

// Reason codes returned with denials. They are diagnostic but never echo the
// configured owner identifier.
const (
	ReasonOwner         = "origin is configured owner"
	ReasonNotOwner      = "origin not owner"
	ReasonContentOrigin = "content provenance is not a command authority"
	ReasonMalformed     = "origin is not channel-qualified"
	ReasonEmptyOrigin   = "origin is empty"
	ReasonNotConfigured = "owner principal not configured"
)

// contentOriginTags label where untrusted text was read from. They carry
// content, never authority, and stay unauthorized even when configured channels
// share their prefix.
var contentOriginTags = map[string]bool{
	"email_content":   true,
	"chat_content":    true,
	"message_content": true,
	"web_content":     true,
	"file_content":    true,
	"tool_output":     true,
}

// Guard authorizes commands against exactly one owner principal. It is pure
// and safe for concurrent use.
type Guard struct {
	owner string
}

// New builds a Guard for the configured owner principal string.
func New(ownerPrincipal string) Guard {
	return Guard{owner: ownerPrincipal}
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
}

// AuthorizeCommand reports whether origin is the single authorized principal.
// Matching is exact, case-sensitive, and channel-qualified. Malformed or
// unrecognized origins are unauthorized; this never panics or errors.
func (g Guard) AuthorizeCommand(command, origin string) Decision {
	_ = command // every command is gated the same way; only origin decides
	if g.owner == "" {
		return Decision{Authorized: false, Reason: ReasonNotConfigured}
	}
	if origin == "" {
		return Decision{Authorized: false, Reason: ReasonEmptyOrigin}
	}
	if contentOriginTags[origin] || strings.HasSuffix(origin, "_content") {
		return Decision{Authorized: false, Reason: ReasonContentOrigin}
	}
	p := domain.ParsePrincipal(origin)
	if p.Channel == "" {
		return Decision{Authorized: false, Reason: ReasonMalformed}
	}
	if origin != g.owner {
		return Decision{Authorized: false, Reason: ReasonNotOwner}
	}
	return Decision{Authorized: true, Reason: ReasonOwner}
}

// IsOwner is a convenience wrapper for callers that only need the boolean.
func (g Guard) IsOwner(origin string) bool {
	return g.AuthorizeCommand("", origin).Authorized
}
