// Package engine runs the authorization pipeline over incoming action
// requests: owner guard, injection filter, draft staging, and release of
// confirmed drafts to the executor.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawgate/internal/actions"
	"clawgate/internal/channel"
	"clawgate/internal/config"
	"clawgate/internal/domain"
	"clawgate/internal/events"
	"clawgate/internal/filter"
	"clawgate/internal/gate"
	"clawgate/internal/guard"
	"clawgate/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Guard    guard.Guard
	Filter   filter.Filter
	Actions  actions.Classifier
	Gate     *gate.Gate
	Channels *channel.Registry
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, channels *channel.Registry) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Guard:    guard.New(cfg.Owner.Principal),
		Filter:   filter.New(filter.WithMaxScanBytes(cfg.Filter.MaxScanBytes), filter.WithSeverityWeights(cfg.Filter.SeverityWeights)),
		Actions:  actions.New(cfg.Actions.Read, cfg.Actions.Write),
		Gate:     gate.New(db, cfg, channels),
		Channels: channels,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// UnauthorizedError is an Owner Guard rejection. Surfaced as a denial, never
// retried automatically.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

// ContentFlaggedError is an Injection Filter block, carrying the threat list
// for audit.
type ContentFlaggedError struct {
	Verdict domain.Verdict
}

func (e ContentFlaggedError) Error() string {
	kinds := make([]string, 0, len(e.Verdict.Threats))
	for _, t := range e.Verdict.Threats {
		kinds = append(kinds, t.Kind)
	}
	return fmt.Sprintf("content flagged: threat=%s", strings.Join(kinds, ","))
}

// Submit decisions.
const (
	DecisionExecute = "execute"
	DecisionStaged  = "staged"
	DecisionDenied  = "denied"
)

// Outcome is the pipeline's answer for one request.
type Outcome struct {
	Decision string         `json:"decision" enum:"execute,staged,denied"`
	Reason   string         `json:"reason,omitempty"`
	Verdict  domain.Verdict `json:"verdict"`
	Draft    *domain.Draft  `json:"draft,omitempty"`
}

// Submit passes one request through the full pipeline. Read actions with
// clean content may execute immediately; write actions are staged as drafts;
// flagged reads are denied outright. The decision and its audit trail commit
// together.
func (e Engine) Submit(ctx context.Context, req domain.ActionRequest) (Outcome, error) {
	if e.Config == nil {
		return Outcome{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(req.Action) == "" {
		return Outcome{}, errors.New("action is required")
	}

	decision := e.Guard.AuthorizeCommand(req.Action, req.Origin)
	if !decision.Authorized {
		if err := e.audit(ctx, "request.denied", "request", "", req.Origin, events.EventPayload{
			"action": req.Action,
			"reason": decision.Reason,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, UnauthorizedError{Reason: decision.Reason}
	}

	verdict := e.Filter.Sanitize(req.Payload, req.Context)
	isWrite := e.Actions.IsWrite(req.Action)

	switch {
	case !isWrite && !verdict.Flagged:
		if err := e.audit(ctx, "request.approved", "request", "", req.Origin, events.EventPayload{
			"action": req.Action,
			"class":  actions.ClassRead,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Decision: DecisionExecute, Verdict: verdict}, nil

	case !isWrite && verdict.Flagged:
		// A flagged read can still leak information or trigger
		// side-effecting lookups, so it is rejected, not demoted.
		if err := e.audit(ctx, "request.denied", "request", "", req.Origin, events.EventPayload{
			"action":     req.Action,
			"reason":     "content flagged",
			"threats":    verdict.Threats,
			"confidence": verdict.Confidence,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, ContentFlaggedError{Verdict: verdict}
	}

	d, err := e.stageDraft(ctx, req, verdict)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Decision: DecisionStaged, Verdict: verdict, Draft: &d}, nil
}

// stageDraft creates a pending draft for a write action. Flagged content
// marks the draft high-risk and sends the owner a threat notice over the
// primary channel; release still requires dual confirmation either way.
func (e Engine) stageDraft(ctx context.Context, req domain.ActionRequest, verdict domain.Verdict) (domain.Draft, error) {
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	d := domain.Draft{
		TaskID:    uuid.New().String(),
		Action:    req.Action,
		Payload:   req.Payload,
		Origin:    req.Origin,
		Status:    domain.DraftPending,
		HighRisk:  verdict.Flagged,
		CreatedAt: nowStr,
		ExpiresAt: now.Add(time.Duration(e.Config.Drafts.TTLSeconds) * time.Second).Format(time.RFC3339),
		UpdatedAt: nowStr,
	}
	if verdict.Flagged {
		b, err := json.Marshal(verdict.Threats)
		if err != nil {
			return domain.Draft{}, err
		}
		s := string(b)
		d.ThreatsJSON = &s
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, "draft.staged", "draft", d.TaskID, req.Origin, events.EventPayload{
		"action":    d.Action,
		"high_risk": d.HighRisk,
	}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	if d.HighRisk {
		e.notifyOwner(ctx, d, verdict)
	}
	return d, nil
}

// notifyOwner delivers a threat notice for a high-risk draft to the primary
// channel and records the outcome. A failed delivery does not undo the
// staging; the draft is held behind dual confirmation regardless.
func (e Engine) notifyOwner(ctx context.Context, d domain.Draft, verdict domain.Verdict) {
	sendErr := e.Channels.Send(ctx, e.Config.Channels.Primary.Name, threatNotice(d, verdict))
	payload := events.EventPayload{
		"reason":     "flagged content in staged write action",
		"threats":    verdict.Threats,
		"confidence": verdict.Confidence,
		"channel":    e.Config.Channels.Primary.Name,
	}
	evtType := "owner.notified"
	if sendErr != nil {
		evtType = "owner.notify_failed"
		payload["error"] = sendErr.Error()
	}
	_ = e.audit(ctx, evtType, "draft", d.TaskID, d.Origin, payload)
}

func threatNotice(d domain.Draft, verdict domain.Verdict) string {
	kinds := make([]string, 0, len(verdict.Threats))
	for _, t := range verdict.Threats {
		kinds = append(kinds, t.Kind)
	}
	return fmt.Sprintf("clawgate: write action %q was staged as draft %s with flagged content (%s, confidence %.2f).\nIt stays held until you confirm it with both passwords; reject it with 'cg draft reject %s'.",
		d.Action, d.TaskID, strings.Join(kinds, ", "), verdict.Confidence, d.TaskID)
}

// GetDraft returns a draft, surfacing expiry lazily: a pending draft past its
// TTL reads back as expired.
func (e Engine) GetDraft(ctx context.Context, taskID string) (domain.Draft, error) {
	d, err := e.Repo.GetDraft(ctx, taskID)
	if err != nil {
		return d, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if d.Status == domain.DraftPending && d.ExpiresAt <= now {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return d, err
		}
		defer tx.Rollback()
		if err := e.Repo.TransitionDraft(ctx, tx, d.TaskID, domain.DraftPending, domain.DraftExpired, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return d, err
		}
		if err := e.Gate.Invalidate(ctx, tx, d.TaskID); err != nil {
			return d, err
		}
		if err := tx.Commit(); err != nil {
			return d, err
		}
		d.Status = domain.DraftExpired
		d.UpdatedAt = now
	}
	return d, nil
}

// ListDrafts returns drafts newest first, optionally filtered by status.
func (e Engine) ListDrafts(ctx context.Context, status string, limit int) ([]domain.Draft, error) {
	return e.Repo.ListDrafts(ctx, status, limit)
}

// RejectDraft cancels a pending draft and atomically invalidates every
// outstanding challenge for the task, so a late correct confirmation cannot
// resurrect it.
func (e Engine) RejectDraft(ctx context.Context, taskID, actorID, reason string) (domain.Draft, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.TransitionDraft(ctx, tx, taskID, domain.DraftPending, domain.DraftRejected, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Draft{}, fmt.Errorf("draft %s not pending: %w", taskID, err)
		}
		return domain.Draft{}, err
	}
	if err := e.Gate.Invalidate(ctx, tx, taskID); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, "draft.rejected", "draft", taskID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return e.Repo.GetDraft(ctx, taskID)
}

// ReleaseDraft hands a confirmed draft to the executor. Only confirmed drafts
// release; everything else fails closed.
func (e Engine) ReleaseDraft(ctx context.Context, taskID, actorID string) (domain.Draft, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.TransitionDraft(ctx, tx, taskID, domain.DraftConfirmed, domain.DraftReleased, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Draft{}, fmt.Errorf("draft %s not confirmed: %w", taskID, err)
		}
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, "draft.released", "draft", taskID, actorID, events.EventPayload{}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return e.Repo.GetDraft(ctx, taskID)
}

// Sweep reclaims expired drafts and challenges. Optional: expiry is enforced
// at use time regardless.
func (e Engine) Sweep(ctx context.Context) (drafts, challenges int64, err error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()
	drafts, err = e.Repo.ExpireDrafts(ctx, tx, now)
	if err != nil {
		return 0, 0, err
	}
	tasks, err := e.Repo.ExpiredChallengeTasks(ctx, tx, now)
	if err != nil {
		return 0, 0, err
	}
	challenges, err = e.Repo.DeleteExpiredChallenges(ctx, tx, now)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	for _, id := range tasks {
		e.Gate.ForgetLimiter(id)
	}
	return drafts, challenges, nil
}

func (e Engine) audit(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
