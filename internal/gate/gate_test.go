package gate_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"clawgate/internal/channel"
	"clawgate/internal/config"
	"clawgate/internal/db"
	"clawgate/internal/domain"
	"clawgate/internal/gate"
	"clawgate/internal/migrate"
)

type testEnv struct {
	Gate      *gate.Gate
	Primary   *channel.Memory
	Secondary *channel.Memory
	Cfg       *config.Config
	Ctx       context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("telegram:+15551234567")
	cfg.Channels.Primary = config.Channel{Name: "primary", Kind: "memory", Target: "p"}
	cfg.Channels.Secondary = config.Channel{Name: "secondary", Kind: "memory", Target: "s"}
	primary := channel.NewMemory()
	secondary := channel.NewMemory()
	reg := channel.NewRegistry()
	reg.Register("primary", "p", primary)
	reg.Register("secondary", "s", secondary)
	g := gate.New(conn, cfg, reg)
	g.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Gate: g, Primary: primary, Secondary: secondary, Cfg: cfg, Ctx: context.Background()}
}

func TestGenerateDeliversBothSecrets(t *testing.T) {
	env := newTestEnv(t)
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(pair.PasswordA) != env.Cfg.Confirmation.PasswordLength {
		t.Fatalf("password A length = %d", len(pair.PasswordA))
	}
	if pair.PasswordA == pair.PasswordB {
		t.Fatalf("passwords must differ")
	}
	pd, err := env.Primary.Last()
	if err != nil {
		t.Fatalf("primary delivery: %v", err)
	}
	if !strings.Contains(pd.Message, pair.PasswordA) {
		t.Fatalf("primary message missing password A")
	}
	sd, err := env.Secondary.Last()
	if err != nil {
		t.Fatalf("secondary delivery: %v", err)
	}
	if !strings.Contains(sd.Message, pair.PasswordB) {
		t.Fatalf("secondary message missing password B")
	}
	if strings.Contains(pd.Message, pair.PasswordB) || strings.Contains(sd.Message, pair.PasswordA) {
		t.Fatalf("each channel must carry exactly one secret")
	}
}

func TestVerifyRoundtripAndSingleUse(t *testing.T) {
	env := newTestEnv(t)
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	// The challenge is consumed; the same correct pair is now worthless.
	ok, err = env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if err != nil {
		t.Fatalf("replay verify: %v", err)
	}
	if ok {
		t.Fatalf("replay must fail")
	}
}

func TestOneWrongPasswordFailsLikeTwo(t *testing.T) {
	env := newTestEnv(t)
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	cases := [][2]string{
		{pair.PasswordA, "wrong"},
		{"wrong", pair.PasswordB},
		{pair.PasswordB, pair.PasswordA}, // right secrets, swapped slots
		{"wrong", "also-wrong"},
	}
	for _, c := range cases {
		ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", c[0], c[1])
		if err != nil {
			t.Fatalf("verify(%q,%q): %v", c[0], c[1], err)
		}
		if ok {
			t.Fatalf("verify(%q,%q) must fail", c[0], c[1])
		}
	}
	// Failed attempts do not consume; the correct pair still works.
	ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if err != nil || !ok {
		t.Fatalf("correct pair after failures: ok=%v err=%v", ok, err)
	}
}

func TestVerifyUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	ok, err := env.Gate.VerifyBoth(env.Ctx, "never-issued", "a", "b")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("unknown task must fail")
	}
}

func TestExpiryEnforcedAtVerify(t *testing.T) {
	env := newTestEnv(t)
	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Gate.Now = func() time.Time { return issued }
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ttl := time.Duration(env.Cfg.Confirmation.TTLSeconds) * time.Second
	env.Gate.Now = func() time.Time { return issued.Add(ttl + time.Second) }
	ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("expired challenge must fail even with correct secrets")
	}
}

func TestReissueWhilePending(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if !errors.Is(err, gate.ErrChallengeAlreadyIssued) {
		t.Fatalf("expected ErrChallengeAlreadyIssued, got %v", err)
	}
	// A different stage is a separate challenge.
	if _, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "release"); err != nil {
		t.Fatalf("generate other stage: %v", err)
	}
}

func TestReissueAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Gate.Now = func() time.Time { return issued }
	stale, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ttl := time.Duration(env.Cfg.Confirmation.TTLSeconds) * time.Second
	env.Gate.Now = func() time.Time { return issued.Add(ttl + time.Minute) }
	fresh, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("reissue after expiry: %v", err)
	}
	if stale.PasswordA == fresh.PasswordA {
		t.Fatalf("reissued pair must be new")
	}
	ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", fresh.PasswordA, fresh.PasswordB)
	if err != nil || !ok {
		t.Fatalf("fresh pair verify: ok=%v err=%v", ok, err)
	}
}

func TestPartialDeliveryReturnsPair(t *testing.T) {
	env := newTestEnv(t)
	env.Secondary.FailWith(errors.New("smtp down"))
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	var partial *gate.PartialDeliveryError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialDeliveryError, got %v", err)
	}
	if partial.Channel != "secondary" {
		t.Fatalf("failed channel = %q", partial.Channel)
	}
	if pair.PasswordA == "" || pair.PasswordB == "" {
		t.Fatalf("pair must be returned so the caller can redeliver")
	}
	// The challenge stands; the pair still verifies.
	ok, verr := env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if verr != nil || !ok {
		t.Fatalf("verify after partial delivery: ok=%v err=%v", ok, verr)
	}
}

func TestRedeliverAfterPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Secondary.FailWith(errors.New("smtp down"))
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	var partial *gate.PartialDeliveryError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialDeliveryError, got %v", err)
	}
	env.Secondary.FailWith(nil)

	// Redeliver validates the supplied secret against the stored hash first.
	if err := env.Gate.Redeliver(env.Ctx, "task-1", "", "b", "not-the-secret"); !errors.Is(err, gate.ErrVerificationMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := env.Gate.Redeliver(env.Ctx, "task-1", "", "b", pair.PasswordB); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	d, err := env.Secondary.Last()
	if err != nil {
		t.Fatalf("secondary delivery: %v", err)
	}
	if !strings.Contains(d.Message, pair.PasswordB) {
		t.Fatalf("redelivered message missing password B")
	}
}

func TestBothDeliveriesFailInvalidates(t *testing.T) {
	env := newTestEnv(t)
	env.Primary.FailWith(errors.New("telegram down"))
	env.Secondary.FailWith(errors.New("smtp down"))
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	var de *gate.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if pair.PasswordA != "" || pair.PasswordB != "" {
		t.Fatalf("no usable pair after total delivery failure")
	}
	c, err := env.Gate.Repo.GetChallenge(env.Ctx, "task-1", gate.DefaultStage)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if c.Status != domain.ChallengeInvalidated {
		t.Fatalf("challenge status = %q", c.Status)
	}
}

func TestVerifyDoesNotConfirmExpiredDraft(t *testing.T) {
	env := newTestEnv(t)
	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Gate.Now = func() time.Time { return issued }
	// The draft's TTL runs out well before the challenge's does.
	d := domain.Draft{
		TaskID:    "task-1",
		Action:    "send_email",
		Origin:    "telegram:+15551234567",
		Status:    domain.DraftPending,
		CreatedAt: issued.Format(time.RFC3339),
		ExpiresAt: issued.Add(10 * time.Second).Format(time.RFC3339),
		UpdatedAt: issued.Format(time.RFC3339),
	}
	if err := env.Gate.Repo.InsertDraft(env.Ctx, nil, d); err != nil {
		t.Fatalf("insert draft: %v", err)
	}
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	env.Gate.Now = func() time.Time { return issued.Add(time.Minute) }
	ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("correct pair must not confirm a draft past its own ttl")
	}
	got, err := env.Gate.Repo.GetDraft(env.Ctx, "task-1")
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if got.Status == domain.DraftConfirmed {
		t.Fatalf("expired draft was confirmed")
	}
}

func TestUndeliveredChallengeIsInert(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	hash := func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	}
	// A row stranded between store and delivery, as a crash would leave it.
	c := domain.Challenge{
		TaskID:    "task-1",
		Stage:     gate.DefaultStage,
		HashA:     hash("alpha"),
		HashB:     hash("beta"),
		Status:    domain.ChallengeUndelivered,
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(time.Hour).Format(time.RFC3339),
	}
	if err := env.Gate.Repo.InsertChallenge(env.Ctx, nil, c); err != nil {
		t.Fatalf("insert challenge: %v", err)
	}
	// Its secrets never left the process, so they never verify.
	ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", "alpha", "beta")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("undelivered challenge must not verify")
	}
	// Nor does it block a fresh issue.
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("reissue over stranded row: %v", err)
	}
	ok, err = env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if err != nil || !ok {
		t.Fatalf("fresh pair verify: ok=%v err=%v", ok, err)
	}
}

func TestLimiterResetsAfterConsume(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Confirmation.AttemptsPerMinute = 1
	env.Cfg.Confirmation.AttemptBurst = 1
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// The single budgeted attempt consumes the challenge.
	ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	// A later challenge for the same task starts with a fresh budget.
	pair, err = env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	ok, err = env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if err != nil || !ok {
		t.Fatalf("verify after reissue: ok=%v err=%v", ok, err)
	}
}

func TestSweepDropsLimiters(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Confirmation.AttemptsPerMinute = 1
	env.Cfg.Confirmation.AttemptBurst = 1
	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Gate.Now = func() time.Time { return issued }
	if _, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	// Exhaust the task's budget with a failed attempt.
	if _, err := env.Gate.VerifyBoth(env.Ctx, "task-1", "wrong", "wrong"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if _, err := env.Gate.VerifyBoth(env.Ctx, "task-1", "wrong", "wrong"); !errors.Is(err, gate.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	ttl := time.Duration(env.Cfg.Confirmation.TTLSeconds) * time.Second
	env.Gate.Now = func() time.Time { return issued.Add(ttl + time.Minute) }
	if _, err := env.Gate.SweepExpired(env.Ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// The swept task's limiter went with its challenge.
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("reissue after sweep: %v", err)
	}
	ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if err != nil || !ok {
		t.Fatalf("verify after sweep: ok=%v err=%v", ok, err)
	}
}

func TestConcurrentVerifyConsumesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Confirmation.AttemptsPerMinute = 0 // disable rate limiting for the stampede
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	const n = 16
	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
			if err != nil {
				t.Errorf("verify: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)
	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestVerifyRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Confirmation.AttemptsPerMinute = 1
	env.Cfg.Confirmation.AttemptBurst = 1
	pair, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := env.Gate.VerifyBoth(env.Ctx, "task-1", "wrong", "wrong"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	_, err = env.Gate.VerifyBoth(env.Ctx, "task-1", pair.PasswordA, pair.PasswordB)
	if !errors.Is(err, gate.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	// Another task has its own budget.
	if _, err := env.Gate.VerifyBoth(env.Ctx, "task-2", "a", "b"); err != nil {
		t.Fatalf("other task attempt: %v", err)
	}
}

func TestSweepExpiredChallenges(t *testing.T) {
	env := newTestEnv(t)
	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Gate.Now = func() time.Time { return issued }
	if _, err := env.Gate.GeneratePasswordPair(env.Ctx, "task-1", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	ttl := time.Duration(env.Cfg.Confirmation.TTLSeconds) * time.Second
	env.Gate.Now = func() time.Time { return issued.Add(ttl + time.Minute) }
	n, err := env.Gate.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d challenges", n)
	}
}
