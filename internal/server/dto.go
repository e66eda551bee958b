package server

import (
	"clawgate/internal/domain"
)

// Request payloads

type AuthorizeRequest struct {
	Command string `json:"command"`
	Origin  string `json:"origin"`
}

type SanitizeRequest struct {
	Content string `json:"content"`
	Context string `json:"context,omitempty"`
}

type SubmitRequest struct {
	Action  string `json:"action"`
	Payload string `json:"payload,omitempty"`
	Origin  string `json:"origin"`
	Context string `json:"context,omitempty"`
}

type RejectDraftRequest struct {
	Reason string `json:"reason,omitempty"`
}

type IssueChallengeRequest struct {
	Stage string `json:"stage,omitempty"`
}

type VerifyRequest struct {
	PasswordA string `json:"password_a"`
	PasswordB string `json:"password_b"`
	Stage     string `json:"stage,omitempty"`
}

// Response payloads

type AuthorizeResponse struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
}

type ActionClassResponse struct {
	Action string `json:"action"`
	Class  string `json:"class" enum:"read,write"`
	Known  bool   `json:"known"`
}

type DraftResponse struct {
	TaskID    string `json:"task_id"`
	Action    string `json:"action"`
	Payload   string `json:"payload,omitempty"`
	Origin    string `json:"origin"`
	Status    string `json:"status" enum:"pending,confirmed,rejected,expired,released"`
	HighRisk  bool   `json:"high_risk"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

func draftResponse(d domain.Draft) DraftResponse {
	return DraftResponse{
		TaskID:    d.TaskID,
		Action:    d.Action,
		Payload:   d.Payload,
		Origin:    d.Origin,
		Status:    d.Status,
		HighRisk:  d.HighRisk,
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func mapDrafts(in []domain.Draft) []DraftResponse {
	out := make([]DraftResponse, 0, len(in))
	for _, d := range in {
		out = append(out, draftResponse(d))
	}
	return out
}

type SubmitResponse struct {
	Decision string         `json:"decision" enum:"execute,staged,denied"`
	Verdict  domain.Verdict `json:"verdict"`
	Draft    *DraftResponse `json:"draft,omitempty"`
}

type SanitizeResponse struct {
	Verdict domain.Verdict `json:"verdict"`
}

// ChallengeIssuedResponse deliberately excludes the generated passwords: they
// travel only over the two out-of-band channels.
type ChallengeIssuedResponse struct {
	TaskID    string           `json:"task_id"`
	Stage     string           `json:"stage"`
	ExpiresAt string           `json:"expires_at" format:"date-time"`
	Delivery  []DeliveryStatus `json:"delivery"`
}

type DeliveryStatus struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

type SweepResponse struct {
	ExpiredDrafts     int64 `json:"expired_drafts"`
	ExpiredChallenges int64 `json:"expired_challenges"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(in []domain.AuditEvent) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, EventResponse(e))
	}
	return out
}
