package domain

import "strings"

// Principal is a channel-qualified identity, e.g. "telegram:+15550000000".
// Content provenance tags such as "email_content" parse with an empty channel
// and are never a command authority.
type Principal struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

func (p Principal) String() string {
	if p.Channel == "" {
		return p.ID
	}
	return p.Channel + ":" + p.ID
}

// ParsePrincipal splits a channel-qualified origin string. Origins without a
// channel prefix come back with Channel == "".
func ParsePrincipal(origin string) Principal {
	channel, id, ok := strings.Cut(origin, ":")
	if !ok || channel == "" || id == "" {
		return Principal{ID: origin}
	}
	return Principal{Channel: channel, ID: id}
}

// ActionRequest is a single requested agent action. Immutable once created.
type ActionRequest struct {
	Action  string `json:"action"`
	Payload string `json:"payload,omitempty"`
	Origin  string `json:"origin"`
	Context string `json:"context,omitempty"`
}

// ThreatDescriptor records one detector match inside scanned content.
type ThreatDescriptor struct {
	Kind      string `json:"kind"`
	PatternID string `json:"pattern_id"`
	Severity  string `json:"severity" enum:"low,medium,high,critical"`
	Span      string `json:"span,omitempty"`
}

// Verdict is the result of one injection scan. Produced fresh per scan.
type Verdict struct {
	Flagged    bool               `json:"flagged"`
	Threats    []ThreatDescriptor `json:"threats"`
	Confidence float64            `json:"confidence"`
}

// Draft statuses. A draft is a staged write action awaiting confirmation.
const (
	DraftPending   = "pending"
	DraftConfirmed = "confirmed"
	DraftRejected  = "rejected"
	DraftExpired   = "expired"
	DraftReleased  = "released"
)

type Draft struct {
	TaskID      string  `json:"task_id"`
	Action      string  `json:"action"`
	Payload     string  `json:"payload,omitempty"`
	Origin      string  `json:"origin"`
	Status      string  `json:"status" enum:"pending,confirmed,rejected,expired,released"`
	HighRisk    bool    `json:"high_risk"`
	ThreatsJSON *string `json:"threats_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ExpiresAt   string  `json:"expires_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Challenge statuses. Challenges hold only secret hashes, never plaintext.
// A challenge is stored undelivered and becomes pending only after delivery
// has been attempted on both channels, so a row stranded by a crash
// mid-delivery can never verify and never blocks reissue.
const (
	ChallengeUndelivered = "undelivered"
	ChallengePending     = "pending"
	ChallengeConsumed    = "consumed"
	ChallengeInvalidated = "invalidated"
)

type Challenge struct {
	TaskID    string `json:"task_id"`
	Stage     string `json:"stage"`
	HashA     string `json:"-"`
	HashB     string `json:"-"`
	Status    string `json:"status" enum:"undelivered,pending,consumed,invalidated"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// AuditEvent is one row of the append-only decision log.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates callers of the HTTP surface.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
