package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cutledger/internal/canonical"
	"cutledger/internal/db"
	"cutledger/internal/domain"
	"cutledger/internal/migrate"
	"cutledger/internal/store"
)

type testEnv struct {
	Store *store.Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	st := store.New(conn)
	st.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Store: st, Ctx: context.Background()}
}

func greenPayload() json.RawMessage {
	return json.RawMessage(`{"tool_d":6,"stepover":0.4,"stepdown":0.5,"feed_xy":800,"feed_z":300,"safe_z":5,"z_rough":-3,"closed_loops":2,"material_hardness":"medium"}`)
}

func redPayload() json.RawMessage {
	return json.RawMessage(`{"tool_d":6,"stepover":0.4,"stepdown":0.5,"feed_xy":800,"feed_z":300,"safe_z":5,"z_rough":0.0,"closed_loops":2,"material_hardness":"medium"}`)
}

func TestCreateRunPersistsDecision(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{
		Kind:       domain.KindFeasibility,
		SessionID:  "sess-1",
		MaterialID: "maple",
		Payload:    greenPayload(),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if a.RunID == "" {
		t.Fatalf("no run id assigned")
	}
	if a.RiskLevel != domain.RiskGreen || a.Status != domain.StatusOK {
		t.Fatalf("risk=%s status=%s, want green/ok", a.RiskLevel, a.Status)
	}
	if a.Hashes.FeasibilitySHA256 == "" {
		t.Fatalf("feasibility hash missing")
	}

	got, err := env.Store.GetRun(env.Ctx, a.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Hashes.FeasibilitySHA256 != a.Hashes.FeasibilitySHA256 || got.RiskLevel != a.RiskLevel {
		t.Fatalf("round trip lost decision fields")
	}
}

func TestRedRunStillPersisted(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{
		Kind:      domain.KindFeasibility,
		SessionID: "sess-1",
		Payload:   redPayload(),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if a.RiskLevel != domain.RiskRed || a.Status != domain.StatusBlocked {
		t.Fatalf("risk=%s status=%s, want red/blocked", a.RiskLevel, a.Status)
	}
	if _, err := env.Store.GetRun(env.Ctx, a.RunID); err != nil {
		t.Fatalf("blocked run must stay retrievable: %v", err)
	}
}

func TestUpstreamFailureStillPersisted(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{
		Kind:          domain.KindToolpaths,
		SessionID:     "sess-1",
		Payload:       greenPayload(),
		UpstreamError: "toolpath generator: offset failed",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if a.Status != domain.StatusError {
		t.Fatalf("status=%s, want error", a.Status)
	}
	if a.Hashes.FeasibilitySHA256 == "" {
		t.Fatalf("error artifacts still carry the feasibility hash")
	}
}

func TestCompletenessGuardRejectsMissingRisk(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{
		Kind:        domain.KindDecision,
		SessionID:   "sess-1",
		Feasibility: &domain.FeasibilityResult{}, // accepted result with no risk level
	})
	var guard store.GuardViolationError
	if !errors.As(err, &guard) {
		t.Fatalf("err = %v, want GuardViolationError", err)
	}
	if guard.Missing != "risk_level" {
		t.Fatalf("missing = %s, want risk_level", guard.Missing)
	}
}

func TestUnparseablePayloadPersistsUnknown(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{
		Kind:      domain.KindFeasibility,
		SessionID: "sess-1",
		Payload:   json.RawMessage(`{"tool_d": "six"`),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if a.RiskLevel != domain.RiskUnknown || a.Status != domain.StatusBlocked {
		t.Fatalf("risk=%s status=%s, want unknown/blocked", a.RiskLevel, a.Status)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: "sketch", SessionID: "s"}); err == nil {
		t.Fatalf("expected rejection of unknown kind")
	}
}

func TestEqualPayloadsHashEqual(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: domain.KindFeasibility, SessionID: "s", Payload: greenPayload()})
	if err != nil {
		t.Fatal(err)
	}
	env.Store.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	b, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: domain.KindFeasibility, SessionID: "s", Payload: greenPayload()})
	if err != nil {
		t.Fatal(err)
	}
	if a.RunID == b.RunID {
		t.Fatalf("distinct runs shared an id")
	}
	if a.Hashes.FeasibilitySHA256 != b.Hashes.FeasibilitySHA256 {
		t.Fatalf("identical payloads differing only in created_at must hash equal")
	}
}

func TestAttachVerifiesContentHash(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: domain.KindFeasibility, SessionID: "s", Payload: greenPayload()})
	if err != nil {
		t.Fatal(err)
	}
	content := []byte(`<svg></svg>`)

	_, err = env.Store.Attach(env.Ctx, store.AttachOptions{
		RunID:   a.RunID,
		Kind:    domain.AttachmentGeometrySVG,
		Content: content,
		SHA256:  "deadbeef",
	})
	var mismatch store.HashMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want HashMismatchError", err)
	}
	if atts, _ := env.Store.ListAttachments(env.Ctx, a.RunID); len(atts) != 0 {
		t.Fatalf("rejected content must not be stored")
	}

	att, err := env.Store.Attach(env.Ctx, store.AttachOptions{
		RunID:   a.RunID,
		Kind:    domain.AttachmentGeometrySVG,
		Content: content,
		SHA256:  canonical.HashBytes(content),
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	_, stored, err := env.Store.AttachmentContent(env.Ctx, att.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(stored) != string(content) {
		t.Fatalf("stored content mismatch")
	}
}

func TestAttachToMissingRun(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.Attach(env.Ctx, store.AttachOptions{RunID: "nope", Kind: "override", Content: []byte("x")})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentAttachesSerializePerRun(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: domain.KindFeasibility, SessionID: "s", Payload: greenPayload()})
	if err != nil {
		t.Fatal(err)
	}
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Store.Attach(env.Ctx, store.AttachOptions{
				RunID:   a.RunID,
				Kind:    domain.AttachmentExplanation,
				Content: []byte(fmt.Sprintf("note %d", i)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent attach: %v", err)
		}
	}
	atts, err := env.Store.ListAttachments(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != n {
		t.Fatalf("attachments = %d, want %d", len(atts), n)
	}
}

func TestDeleteAttachmentIsAudited(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: domain.KindFeasibility, SessionID: "s", Payload: greenPayload()})
	if err != nil {
		t.Fatal(err)
	}
	att, err := env.Store.Attach(env.Ctx, store.AttachOptions{RunID: a.RunID, Kind: domain.AttachmentGeometrySVG, Content: []byte("<svg/>")})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Store.DeleteAttachment(env.Ctx, att.ID, "op-1", "superseded render"); err != nil {
		t.Fatalf("delete attachment: %v", err)
	}
	atts, err := env.Store.ListAttachments(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 0 {
		t.Fatalf("deleted attachment still listed")
	}
	var count int
	if err := env.Store.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE type='attachment.delete' AND entity_id=?`, att.ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("attachment delete events = %d, want 1", count)
	}
}

func TestDeleteRunIsAuditedSoftDelete(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: domain.KindFeasibility, SessionID: "s", Payload: greenPayload()})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Store.DeleteRun(env.Ctx, a.RunID, "op-1", "test cleanup"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := env.Store.GetRun(env.Ctx, a.RunID)
	if err != nil {
		t.Fatalf("deleted run must stay readable: %v", err)
	}
	if got.DeletedAt == nil {
		t.Fatalf("deleted_at not set")
	}

	var count int
	if err := env.Store.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE type='run.delete' AND entity_id=?`, a.RunID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("delete events = %d, want 1", count)
	}
}

func TestEventAppendedOnCreate(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: domain.KindSpec, SessionID: "s", ActorID: "op-7"})
	if err != nil {
		t.Fatal(err)
	}
	var actor string
	if err := env.Store.DB.QueryRow(`SELECT actor_id FROM events WHERE type='run.create' AND entity_id=?`, a.RunID).Scan(&actor); err != nil {
		t.Fatalf("create event missing: %v", err)
	}
	if actor != "op-7" {
		t.Fatalf("actor = %s, want op-7", actor)
	}
}

func TestExplanationAttachmentMarksRun(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: domain.KindFeasibility, SessionID: "s", Payload: greenPayload()})
	if err != nil {
		t.Fatal(err)
	}
	if a.ExplanationStatus != domain.ExplanationNone {
		t.Fatalf("new run explanation_status = %s, want none", a.ExplanationStatus)
	}
	if _, err := env.Store.Attach(env.Ctx, store.AttachOptions{
		RunID:   a.RunID,
		Kind:    domain.AttachmentExplanation,
		Content: []byte("the plunge feed exceeds the xy feed"),
	}); err != nil {
		t.Fatal(err)
	}
	got, err := env.Store.GetRun(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExplanationStatus != domain.ExplanationReady {
		t.Fatalf("explanation_status = %s, want ready", got.ExplanationStatus)
	}
	if got.RiskLevel != a.RiskLevel || got.Hashes.FeasibilitySHA256 != a.Hashes.FeasibilitySHA256 {
		t.Fatalf("explanation attach mutated the verdict")
	}
}

func TestNonBearingKindCarriesNoDecision(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{Kind: domain.KindSpec, SessionID: "s", Payload: greenPayload()})
	if err != nil {
		t.Fatal(err)
	}
	if a.RiskLevel != "" || a.Hashes.FeasibilitySHA256 != "" {
		t.Fatalf("spec artifacts must not carry a feasibility decision")
	}
	if a.Status != domain.StatusOK {
		t.Fatalf("status = %s, want ok", a.Status)
	}
}
