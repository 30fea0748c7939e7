package export_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"cutledger/internal/config"
	"cutledger/internal/db"
	"cutledger/internal/domain"
	"cutledger/internal/export"
	"cutledger/internal/migrate"
	"cutledger/internal/store"
)

type testEnv struct {
	Store *store.Store
	Gate  export.Gate
	Cfg   *config.Config
	Flags *config.Flags
	Ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	cfg := config.Default("test-ws")
	flags := config.NewFlags(cfg)
	return &testEnv{
		Store: st,
		Gate:  export.NewGate(st, flags),
		Cfg:   cfg,
		Flags: flags,
		Ctx:   context.Background(),
	}
}

func (env *testEnv) createRun(t *testing.T, payload string) domain.RunArtifact {
	t.Helper()
	a, err := env.Store.CreateRun(env.Ctx, store.CreateRunOptions{
		Kind:      domain.KindFeasibility,
		SessionID: "s",
		Payload:   json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return a
}

const greenBody = `{"tool_d":6,"stepover":0.4,"stepdown":0.5,"feed_xy":800,"feed_z":300,"safe_z":5,"z_rough":-3,"closed_loops":2,"material_hardness":"medium"}`

// plunge feed above xy feed: one warning, yellow.
const yellowBody = `{"tool_d":6,"stepover":0.4,"stepdown":0.5,"feed_xy":800,"feed_z":900,"safe_z":5,"z_rough":-3,"closed_loops":2,"material_hardness":"medium"}`

// z_rough at zero blocks.
const redBody = `{"tool_d":6,"stepover":0.4,"stepdown":0.5,"feed_xy":800,"feed_z":300,"safe_z":5,"z_rough":0,"closed_loops":2,"material_hardness":"medium"}`

func (env *testEnv) allowRed(allow bool) {
	env.Cfg.Overrides.AllowRed = allow
	env.Flags.Reload(env.Cfg)
}

func TestGreenExportsWithoutOverride(t *testing.T) {
	env := newTestEnv(t)
	a := env.createRun(t, greenBody)
	d, err := env.Gate.CanExport(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Blocker != "" {
		t.Fatalf("decision = %+v, want allowed", d)
	}
}

func TestGreenOverrideConflicts(t *testing.T) {
	env := newTestEnv(t)
	a := env.createRun(t, greenBody)
	_, err := env.Gate.CreateOverride(env.Ctx, a.RunID, "op-1", "no reason needed", "")
	var conflict export.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
}

func TestYellowRequiresOverride(t *testing.T) {
	env := newTestEnv(t)
	a := env.createRun(t, yellowBody)

	d, err := env.Gate.CanExport(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Blocker != export.BlockerOverrideRequired {
		t.Fatalf("decision = %+v, want blocked on override_required", d)
	}

	if _, err := env.Gate.CreateOverride(env.Ctx, a.RunID, "op-1", "reviewed toolpath preview", ""); err != nil {
		t.Fatalf("override: %v", err)
	}

	d, err = env.Gate.CanExport(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || !d.HasOverride {
		t.Fatalf("decision = %+v, want allowed with override", d)
	}
}

func TestOverrideRequiresOperatorAndReason(t *testing.T) {
	env := newTestEnv(t)
	a := env.createRun(t, yellowBody)
	if _, err := env.Gate.CreateOverride(env.Ctx, a.RunID, "", "reason", ""); err == nil {
		t.Fatalf("expected rejection without operator")
	}
	if _, err := env.Gate.CreateOverride(env.Ctx, a.RunID, "op-1", "", ""); err == nil {
		t.Fatalf("expected rejection without reason")
	}
}

func TestRedOverrideForbiddenByDefault(t *testing.T) {
	env := newTestEnv(t)
	a := env.createRun(t, redBody)

	_, err := env.Gate.CreateOverride(env.Ctx, a.RunID, "op-1", "supervisor approved", "")
	var forbidden export.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}

	d, err := env.Gate.CanExport(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Blocker != export.BlockerRedFlagDisabled {
		t.Fatalf("decision = %+v, want blocked on red_override_flag_disabled", d)
	}
}

func TestRedOverrideWithFlagEnabled(t *testing.T) {
	env := newTestEnv(t)
	a := env.createRun(t, redBody)
	env.allowRed(true)

	if _, err := env.Gate.CreateOverride(env.Ctx, a.RunID, "op-1", "supervisor approved", "run"); err != nil {
		t.Fatalf("override: %v", err)
	}
	d, err := env.Gate.CanExport(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("decision = %+v, want allowed with flag on + override", d)
	}

	// The flag is read at decision time; turning it back off re-blocks
	// even though the override attachment remains.
	env.allowRed(false)
	d, err = env.Gate.CanExport(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Blocker != export.BlockerRedFlagDisabled {
		t.Fatalf("decision = %+v, want re-blocked after flag off", d)
	}
}

func TestOverrideNeverMutatesVerdict(t *testing.T) {
	env := newTestEnv(t)
	a := env.createRun(t, yellowBody)
	if _, err := env.Gate.CreateOverride(env.Ctx, a.RunID, "op-1", "reviewed", ""); err != nil {
		t.Fatal(err)
	}
	got, err := env.Store.GetRun(env.Ctx, a.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RiskLevel != a.RiskLevel || got.Score != a.Score || got.Hashes.FeasibilitySHA256 != a.Hashes.FeasibilitySHA256 {
		t.Fatalf("override mutated the stored verdict")
	}
}

func TestBundleRefusedWhenBlocked(t *testing.T) {
	env := newTestEnv(t)
	a := env.createRun(t, yellowBody)
	var buf bytes.Buffer
	err := env.Gate.Bundle(env.Ctx, a.RunID, &buf)
	var blocked export.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want BlockedError", err)
	}
	if blocked.Decision.Blocker != export.BlockerOverrideRequired {
		t.Fatalf("blocker = %s, want override_required", blocked.Decision.Blocker)
	}
	if buf.Len() != 0 {
		t.Fatalf("blocked bundle must write nothing")
	}
}

func TestBundleContents(t *testing.T) {
	env := newTestEnv(t)
	a := env.createRun(t, greenBody)
	svg := []byte(`<svg></svg>`)
	if _, err := env.Store.Attach(env.Ctx, store.AttachOptions{
		RunID: a.RunID, Kind: domain.AttachmentGeometrySVG, Content: svg,
	}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := env.Gate.Bundle(env.Ctx, a.RunID, &buf); err != nil {
		t.Fatalf("bundle: %v", err)
	}

	gz, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	entries := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		entries[hdr.Name] = content
	}

	artifactJSON, ok := entries["artifact.json"]
	if !ok {
		t.Fatalf("bundle missing artifact.json, got %v", keys(entries))
	}
	var stored domain.RunArtifact
	if err := json.Unmarshal(artifactJSON, &stored); err != nil {
		t.Fatalf("artifact.json: %v", err)
	}
	if stored.RunID != a.RunID || stored.RiskLevel != domain.RiskGreen {
		t.Fatalf("artifact.json content mismatch: %+v", stored)
	}

	found := false
	for name, content := range entries {
		if strings.HasPrefix(name, "attachments/") {
			found = true
			if !bytes.Equal(content, svg) {
				t.Fatalf("attachment content mismatch")
			}
		}
	}
	if !found {
		t.Fatalf("bundle missing attachment entry, got %v", keys(entries))
	}
}

func TestCanExportMissingRun(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Gate.CanExport(env.Ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func keys(m map[string][]byte) []string {
	var res []string
	for k := range m {
		res = append(res, k)
	}
	return res
}
