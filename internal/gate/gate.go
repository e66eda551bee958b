// Package gate implements dual-channel confirmation for staged write actions.
// A task is released only after two independently delivered secrets come back
// correct, unexpired, and unconsumed.
package gate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clawgate/internal/channel"
	"clawgate/internal/config"
	"clawgate/internal/domain"
	"clawgate/internal/events"
	"clawgate/internal/repo"
)

// DefaultStage is the lifecycle point used when callers do not name one.
const DefaultStage = "initiation"

// PasswordPair holds the two freshly generated secrets. It exists only in the
// generate call's return value; the store keeps hashes.
type PasswordPair struct {
	PasswordA string `json:"password_a"`
	PasswordB string `json:"password_b"`
}

// Gate issues and verifies dual-channel confirmation challenges.
type Gate struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Channels *channel.Registry
	Config   *config.Config
	Now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(db *sql.DB, cfg *config.Config, channels *channel.Registry) *Gate {
	return &Gate{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Channels: channels,
		Config:   cfg,
		Now:      time.Now,
		limiters: map[string]*rate.Limiter{},
	}
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// GeneratePasswordPair creates a challenge for (taskID, stage), stores secret
// hashes with an expiry, and delivers password A to the primary channel and
// password B to the secondary channel. A pending, unexpired challenge for the
// same key fails with ErrChallengeAlreadyIssued rather than silently minting
// a second valid pair. One failed delivery returns the pair together with a
// PartialDeliveryError naming the channel, so the caller can redeliver that
// one secret; two failed deliveries invalidate the challenge.
func (g *Gate) GeneratePasswordPair(ctx context.Context, taskID, stage string) (PasswordPair, error) {
	if strings.TrimSpace(taskID) == "" {
		return PasswordPair{}, errors.New("task id required")
	}
	if stage == "" {
		stage = DefaultStage
	}
	length := g.Config.Confirmation.PasswordLength
	passwordA, err := generatePassword(length)
	if err != nil {
		return PasswordPair{}, fmt.Errorf("generate password A: %w", err)
	}
	passwordB, err := generatePassword(length)
	if err != nil {
		return PasswordPair{}, fmt.Errorf("generate password B: %w", err)
	}

	now := g.now().UTC()
	nowStr := now.Format(time.RFC3339)
	expires := now.Add(time.Duration(g.Config.Confirmation.TTLSeconds) * time.Second)
	// Stored undelivered first; the row turns pending only once delivery has
	// been attempted on both channels. A crash in between leaves an inert row
	// that the next issue replaces.
	c := domain.Challenge{
		TaskID:    taskID,
		Stage:     stage,
		HashA:     hashSecret(passwordA),
		HashB:     hashSecret(passwordB),
		Status:    domain.ChallengeUndelivered,
		CreatedAt: nowStr,
		ExpiresAt: expires.Format(time.RFC3339),
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return PasswordPair{}, err
	}
	defer tx.Rollback()

	existing, err := g.Repo.GetChallenge(ctx, taskID, stage)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return PasswordPair{}, err
	}
	if err == nil {
		if existing.Status == domain.ChallengePending && existing.ExpiresAt > nowStr {
			return PasswordPair{}, ErrChallengeAlreadyIssued
		}
		// Consumed, invalidated, or expired rows are replaced.
		if _, err := tx.ExecContext(ctx, `DELETE FROM challenges WHERE task_id=? AND stage=?`, taskID, stage); err != nil {
			return PasswordPair{}, err
		}
	}
	if err := g.Repo.InsertChallenge(ctx, tx, c); err != nil {
		if isUniqueViolation(err) {
			return PasswordPair{}, ErrChallengeAlreadyIssued
		}
		return PasswordPair{}, err
	}
	if err := g.Events.Append(ctx, tx, "challenge.issued", "challenge", taskID, "gate", events.EventPayload{
		"stage":      stage,
		"expires_at": c.ExpiresAt,
	}); err != nil {
		return PasswordPair{}, err
	}
	if err := tx.Commit(); err != nil {
		return PasswordPair{}, err
	}

	pair := PasswordPair{PasswordA: passwordA, PasswordB: passwordB}

	// Both deliveries are attempted regardless of each other's outcome.
	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = g.Channels.Send(ctx, g.Config.Channels.Primary.Name, confirmationMessage(taskID, stage, "A", passwordA, c.ExpiresAt))
	}()
	go func() {
		defer wg.Done()
		errB = g.Channels.Send(ctx, g.Config.Channels.Secondary.Name, confirmationMessage(taskID, stage, "B", passwordB, c.ExpiresAt))
	}()
	wg.Wait()

	if errA != nil && errB != nil {
		g.invalidate(ctx, taskID, "delivery failed on both channels")
		return PasswordPair{}, &DeliveryError{Primary: errA, Secondary: errB}
	}
	// At least one secret is out of the building; arm the challenge.
	if err := g.Repo.ActivateChallenge(ctx, nil, taskID, stage); err != nil {
		return PasswordPair{}, fmt.Errorf("activate challenge: %w", err)
	}
	switch {
	case errA != nil:
		return pair, &PartialDeliveryError{Channel: g.Config.Channels.Primary.Name, Err: errA}
	case errB != nil:
		return pair, &PartialDeliveryError{Channel: g.Config.Channels.Secondary.Name, Err: errB}
	}
	return pair, nil
}

// Redeliver sends one secret of an already issued pair to its channel again.
// slot is "a" (primary channel) or "b" (secondary). The caller supplies the
// secret it received from GeneratePasswordPair; the store cannot, since it
// keeps only hashes.
func (g *Gate) Redeliver(ctx context.Context, taskID, stage, slot, secret string) error {
	if stage == "" {
		stage = DefaultStage
	}
	c, err := g.Repo.GetChallenge(ctx, taskID, stage)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrChallengeNotFound
		}
		return err
	}
	if c.Status != domain.ChallengePending {
		return ErrChallengeNotFound
	}
	if c.ExpiresAt <= g.now().UTC().Format(time.RFC3339) {
		return ErrChallengeExpired
	}
	var chName, label, want string
	switch strings.ToLower(slot) {
	case "a":
		chName, label, want = g.Config.Channels.Primary.Name, "A", c.HashA
	case "b":
		chName, label, want = g.Config.Channels.Secondary.Name, "B", c.HashB
	default:
		return fmt.Errorf("slot must be a or b")
	}
	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(want)) != 1 {
		return ErrVerificationMismatch
	}
	return g.Channels.Send(ctx, chName, confirmationMessage(taskID, stage, label, secret, c.ExpiresAt))
}

// VerifyBoth validates both secrets against the most recent unconsumed,
// unexpired challenge for taskID. Both must match; one wrong secret is
// indistinguishable from two. Success consumes the challenge exactly once and
// confirms the task's draft in the same transaction. Failure leaves the
// challenge intact for retries until expiry.
func (g *Gate) VerifyBoth(ctx context.Context, taskID, passwordA, passwordB string) (bool, error) {
	return g.verify(ctx, taskID, "", passwordA, passwordB)
}

// VerifyStage is VerifyBoth against an explicitly named stage.
func (g *Gate) VerifyStage(ctx context.Context, taskID, stage, passwordA, passwordB string) (bool, error) {
	return g.verify(ctx, taskID, stage, passwordA, passwordB)
}

func (g *Gate) verify(ctx context.Context, taskID, stage, passwordA, passwordB string) (bool, error) {
	if !g.allowAttempt(taskID) {
		return false, ErrRateLimited
	}
	now := g.now().UTC().Format(time.RFC3339)

	var (
		c   domain.Challenge
		err error
	)
	if stage == "" {
		c, err = g.Repo.LatestPendingChallenge(ctx, taskID, now)
	} else {
		c, err = g.Repo.GetChallenge(ctx, taskID, stage)
		if err == nil && (c.Status != domain.ChallengePending || c.ExpiresAt <= now) {
			err = repo.ErrNotFound
		}
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Unknown, expired, and consumed all look the same outward.
			return false, nil
		}
		return false, err
	}

	// Bitwise AND keeps the comparison constant-time across both secrets;
	// neither a short-circuit nor the result shape reveals which one missed.
	matchA := subtle.ConstantTimeCompare([]byte(hashSecret(passwordA)), []byte(c.HashA))
	matchB := subtle.ConstantTimeCompare([]byte(hashSecret(passwordB)), []byte(c.HashB))
	if matchA&matchB != 1 {
		g.auditVerifyFailed(ctx, taskID, c.Stage)
		return false, nil
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	consumed, err := g.Repo.ConsumeChallenge(ctx, tx, taskID, c.Stage, now)
	if err != nil {
		return false, err
	}
	if !consumed {
		// A concurrent verifier won the check-and-set, or expiry passed.
		return false, nil
	}
	// Confirm the draft only while pending and inside its own TTL; neither a
	// rejected nor an expired draft is resurrected by a late correct
	// confirmation. A challenge issued before any draft exists (or at a later
	// stage of an already confirmed draft) verifies on its own.
	if err := g.Repo.ConfirmDraft(ctx, tx, taskID, now); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return false, err
		}
		var status string
		derr := tx.QueryRowContext(ctx, `SELECT status FROM drafts WHERE task_id=?`, taskID).Scan(&status)
		switch {
		case errors.Is(derr, sql.ErrNoRows):
			// standalone challenge, nothing to confirm
		case derr != nil:
			return false, derr
		case status != domain.DraftConfirmed:
			return false, nil
		}
	}
	if err := g.Events.Append(ctx, tx, "challenge.consumed", "challenge", taskID, "gate", events.EventPayload{
		"stage": c.Stage,
	}); err != nil {
		return false, err
	}
	if err := g.Events.Append(ctx, tx, "draft.confirmed", "draft", taskID, "gate", events.EventPayload{
		"stage": c.Stage,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	g.ForgetLimiter(taskID)
	return true, nil
}

// Invalidate voids all outstanding challenges for a task inside the caller's
// transaction. Used when a draft is rejected so a late confirmation cannot
// resurrect it.
func (g *Gate) Invalidate(ctx context.Context, tx *sql.Tx, taskID string) error {
	if err := g.Repo.InvalidateChallenges(ctx, tx, taskID); err != nil {
		return err
	}
	g.ForgetLimiter(taskID)
	return nil
}

// SweepExpired reclaims challenge rows past expiry, dropping the per-task
// rate limiters that went with them. Expiry is enforced at verification time
// regardless; this only bounds storage and memory.
func (g *Gate) SweepExpired(ctx context.Context) (int64, error) {
	now := g.now().UTC().Format(time.RFC3339)
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	tasks, err := g.Repo.ExpiredChallengeTasks(ctx, tx, now)
	if err != nil {
		return 0, err
	}
	n, err := g.Repo.DeleteExpiredChallenges(ctx, tx, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for _, id := range tasks {
		g.ForgetLimiter(id)
	}
	return n, nil
}

// ForgetLimiter drops a task's verification rate limiter. Called when the
// task's challenges are consumed, invalidated, or swept; a later challenge
// starts with a fresh budget.
func (g *Gate) ForgetLimiter(taskID string) {
	g.mu.Lock()
	delete(g.limiters, taskID)
	g.mu.Unlock()
}

func (g *Gate) invalidate(ctx context.Context, taskID, reason string) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := g.Repo.InvalidateChallenges(ctx, tx, taskID); err != nil {
		return
	}
	_ = g.Events.Append(ctx, tx, "challenge.invalidated", "challenge", taskID, "gate", events.EventPayload{"reason": reason})
	_ = tx.Commit()
}

func (g *Gate) auditVerifyFailed(ctx context.Context, taskID, stage string) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	_ = g.Events.Append(ctx, tx, "challenge.verify_failed", "challenge", taskID, "gate", events.EventPayload{"stage": stage})
	_ = tx.Commit()
}

// allowAttempt applies the per-task verification rate limit. A zero
// attempts_per_minute disables limiting.
func (g *Gate) allowAttempt(taskID string) bool {
	perMinute := g.Config.Confirmation.AttemptsPerMinute
	if perMinute <= 0 {
		return true
	}
	burst := g.Config.Confirmation.AttemptBurst
	if burst <= 0 {
		burst = 1
	}
	g.mu.Lock()
	limiter, ok := g.limiters[taskID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
		g.limiters[taskID] = limiter
	}
	g.mu.Unlock()
	return limiter.Allow()
}

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// generatePassword draws length characters from a 62-symbol alphabet using
// rejection sampling, so every character is uniform.
func generatePassword(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("password length must be positive")
	}
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= 256-(256%len(passwordAlphabet)) {
				continue // reject to avoid modulo bias
			}
			out = append(out, passwordAlphabet[int(b)%len(passwordAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func confirmationMessage(taskID, stage, label, secret, expiresAt string) string {
	return fmt.Sprintf("clawgate confirmation %s for task %s (stage %s): %s\nValid until %s. Both passwords are required to release the action.",
		label, taskID, stage, secret, expiresAt)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
