package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/danshapiro/adgen/internal/dedupe"
	"github.com/danshapiro/adgen/internal/events"
	"github.com/danshapiro/adgen/internal/provider"
	"github.com/danshapiro/adgen/internal/provider/mock"
	"github.com/danshapiro/adgen/internal/rewrite"
	"github.com/danshapiro/adgen/internal/store"
)

type seqPrompts struct{ n atomic.Int64 }

func (s *seqPrompts) Next() string { return fmt.Sprintf("prompt %d", s.n.Add(1)) }

type constPrompts struct{ s string }

func (c constPrompts) Next() string { return c.s }

type flakyProvider struct {
	inner provider.ImageProvider
	fails int64
	calls atomic.Int64
}

func (f *flakyProvider) Generate(ctx context.Context, prompt string) (provider.Artifact, error) {
	if f.calls.Add(1) <= f.fails {
		return provider.Artifact{}, provider.ErrorFromHTTPStatus("flaky", 500, "boom", nil)
	}
	return f.inner.Generate(ctx, prompt)
}

func (f *flakyProvider) Name() string              { return f.inner.Name() }
func (f *flakyProvider) Model() string             { return f.inner.Model() }
func (f *flakyProvider) PriceUSDPerImage() float64 { return f.inner.PriceUSDPerImage() }

type fatalProvider struct{}

func (fatalProvider) Generate(context.Context, string) (provider.Artifact, error) {
	return provider.Artifact{}, provider.ErrorFromHTTPStatus("fatal", 400, "bad request", nil)
}

func (fatalProvider) Name() string              { return "fatal" }
func (fatalProvider) Model() string             { return "m" }
func (fatalProvider) PriceUSDPerImage() float64 { return 0 }

type pricedProvider struct {
	provider.ImageProvider
	price float64
}

func (p pricedProvider) PriceUSDPerImage() float64 { return p.price }

type stubRewriter struct{ calls atomic.Int64 }

func (s *stubRewriter) Rewrite(_ context.Context, original string) (string, error) {
	s.calls.Add(1)
	return "rewritten: " + original, nil
}

func (s *stubRewriter) Name() string   { return "stub" }
func (s *stubRewriter) Model() string  { return "stub-model" }
func (s *stubRewriter) System() string { return "stub-system" }

func baseConfig(t *testing.T, target uint64) Config {
	t.Helper()
	return Config{
		RunID:         "run-test",
		OutDir:        t.TempDir(),
		Target:        target,
		NextID:        1,
		Concurrency:   2,
		QueueCap:      4,
		RatePerMin:    60000,
		MaxAttempts:   3,
		BackoffBaseMS: 1,
		BackoffFactor: 2.0,
	}
}

func runAndCollect(t *testing.T, prov provider.ImageProvider, prompts PromptSource, cfg Config, extras Extras) ([]events.Event, error) {
	t.Helper()
	bus := events.NewBus()
	ch, doneCh, unsub := bus.Subscribe()
	defer unsub()

	var evs []events.Event
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case ev := <-ch:
				evs = append(evs, ev)
				if ev.Terminal() {
					return
				}
			case <-doneCh:
				return
			}
		}
	}()

	err := Run(context.Background(), prov, prompts, cfg, extras, bus)
	<-collected
	bus.Close()
	return evs, err
}

func logMessages(evs []events.Event) []string {
	var msgs []string
	for _, ev := range evs {
		if ev.Type == events.TypeLog {
			msgs = append(msgs, ev.Msg)
		}
	}
	return msgs
}

func countContaining(msgs []string, substr string) int {
	n := 0
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

func TestRun_SavesTargetImages(t *testing.T) {
	cfg := baseConfig(t, 3)
	evs, err := runAndCollect(t, mock.New("noise-v1", 32, 32), &seqPrompts{}, cfg, Extras{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	entries, err := store.ReadManifest(filepath.Join(cfg.OutDir, store.ManifestName))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("manifest lines: %d", len(entries))
	}
	for i, e := range entries {
		if e.ID != i+1 {
			t.Fatalf("manifest ids out of order: %+v", entries)
		}
		if e.RunID != "run-test" || e.Provider != "mock" || e.ChecksumB3 == "" {
			t.Fatalf("entry: %+v", e)
		}
		if _, err := os.Stat(filepath.Join(cfg.OutDir, e.Path)); err != nil {
			t.Fatalf("image missing: %v", err)
		}
	}

	if evs[0].Type != events.TypeStarted || evs[0].Total != 3 {
		t.Fatalf("first event: %+v", evs[0])
	}
	last := evs[len(evs)-1]
	if last.Type != events.TypeFinished {
		t.Fatalf("last event: %+v", last)
	}
	// Workers may publish concurrently, so check the done values as a set.
	doneSeen := map[uint64]bool{}
	for _, ev := range evs {
		if ev.Type == events.TypeProgress {
			doneSeen[ev.Done] = true
		}
	}
	if len(doneSeen) != 3 || !doneSeen[1] || !doneSeen[2] || !doneSeen[3] {
		t.Fatalf("progress done values: %v", doneSeen)
	}

	// No temp residue under the final names.
	files, err := os.ReadDir(cfg.OutDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, f := range files {
		if strings.Contains(f.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", f.Name())
		}
	}
}

func TestRun_DedupeDropsNearDuplicates(t *testing.T) {
	cfg := baseConfig(t, 5)
	d, err := dedupe.New(64, 64) // maximal threshold: everything is a duplicate
	if err != nil {
		t.Fatalf("deduper: %v", err)
	}
	evs, err := runAndCollect(t, mock.New("noise-v1", 32, 32), constPrompts{"same"}, cfg, Extras{Deduper: d})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	entries, err := store.ReadManifest(filepath.Join(cfg.OutDir, store.ManifestName))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("manifest lines: %d", len(entries))
	}
	if n := countContaining(logMessages(evs), "dedupe: dropped"); n != 4 {
		t.Fatalf("drop logs: %d", n)
	}
	if evs[len(evs)-1].Type != events.TypeFinished {
		t.Fatal("run did not finish")
	}
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	cfg := baseConfig(t, 1)
	cfg.BackoffBaseMS = 10
	prov := &flakyProvider{inner: mock.New("noise-v1", 32, 32), fails: 2}

	evs, err := runAndCollect(t, prov, &seqPrompts{}, cfg, Extras{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := prov.calls.Load(); got != 3 {
		t.Fatalf("provider calls: %d", got)
	}
	entries, _ := store.ReadManifest(filepath.Join(cfg.OutDir, store.ManifestName))
	if len(entries) != 1 {
		t.Fatalf("manifest lines: %d", len(entries))
	}
	msgs := logMessages(evs)
	if countContaining(msgs, "retrying in 10ms") != 1 || countContaining(msgs, "retrying in 20ms") != 1 {
		t.Fatalf("retry logs: %v", msgs)
	}
}

func TestRun_FatalErrorDropsJob(t *testing.T) {
	cfg := baseConfig(t, 1)
	evs, err := runAndCollect(t, fatalProvider{}, &seqPrompts{}, cfg, Extras{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	entries, _ := store.ReadManifest(filepath.Join(cfg.OutDir, store.ManifestName))
	if len(entries) != 0 {
		t.Fatalf("manifest lines: %d", len(entries))
	}
	msgs := logMessages(evs)
	if countContaining(msgs, "failed after 1 attempt") != 1 {
		t.Fatalf("fatal logs: %v", msgs)
	}
	if evs[len(evs)-1].Type != events.TypeFinished {
		t.Fatal("run did not finish")
	}
}

func TestRun_Resume(t *testing.T) {
	cfg := baseConfig(t, 1)
	if _, err := runAndCollect(t, mock.New("noise-v1", 32, 32), &seqPrompts{}, cfg, Extras{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	completed, nextID, _, err := store.ResumeState(cfg.OutDir)
	if err != nil {
		t.Fatalf("resume state: %v", err)
	}
	if completed != 1 || nextID != 2 {
		t.Fatalf("completed=%d nextID=%d", completed, nextID)
	}

	cfg2 := cfg
	cfg2.Target = 2
	cfg2.Completed = uint64(completed)
	cfg2.NextID = nextID
	if _, err := runAndCollect(t, mock.New("noise-v1", 32, 32), &seqPrompts{}, cfg2, Extras{}); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	entries, err := store.ReadManifest(filepath.Join(cfg.OutDir, store.ManifestName))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 1 || entries[1].ID != 2 {
		t.Fatalf("entries: %+v", entries)
	}
}

func TestRun_ResumeAlreadyComplete(t *testing.T) {
	cfg := baseConfig(t, 2)
	cfg.Completed = 2
	cfg.NextID = 3
	evs, err := runAndCollect(t, mock.New("noise-v1", 32, 32), &seqPrompts{}, cfg, Extras{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(evs) != 2 || evs[0].Type != events.TypeStarted || evs[1].Type != events.TypeFinished {
		t.Fatalf("events: %+v", evs)
	}
}

func TestRun_RewriteUsesCache(t *testing.T) {
	cfg := baseConfig(t, 2)
	cfg.Concurrency = 1 // serialize so the second job sees the first's cache entry

	cachePath := filepath.Join(t.TempDir(), "cache.jsonl")
	cache, err := rewrite.LoadCache(cachePath)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	rw := &stubRewriter{}

	evs, err := runAndCollect(t, mock.New("noise-v1", 32, 32), constPrompts{"same"}, cfg, Extras{Rewriter: rw, Cache: cache})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rw.calls.Load(); got != 1 {
		t.Fatalf("rewriter calls: %d", got)
	}
	if n := countContaining(logMessages(evs), "rewrite cache hit"); n != 1 {
		t.Fatalf("cache hit logs: %d", n)
	}

	b, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatalf("cache file: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(b)), "\n"); len(lines) != 1 {
		t.Fatalf("cache lines: %d", len(lines))
	}

	// Sidecars carry the prompt provenance.
	entries, _ := store.ReadManifest(filepath.Join(cfg.OutDir, store.ManifestName))
	if len(entries) != 2 {
		t.Fatalf("manifest lines: %d", len(entries))
	}
	scBytes, err := os.ReadFile(filepath.Join(cfg.OutDir, store.Stem(entries[0].ID, "mock", "noise-v1")+".json"))
	if err != nil {
		t.Fatalf("sidecar: %v", err)
	}
	var sc store.Sidecar
	if err := json.Unmarshal(scBytes, &sc); err != nil {
		t.Fatalf("sidecar json: %v", err)
	}
	if sc.OriginalPrompt != "same" || sc.RewrittenPrompt != "rewritten: same" {
		t.Fatalf("sidecar prompts: %+v", sc)
	}
}

func TestRun_ProgressCarriesCost(t *testing.T) {
	cfg := baseConfig(t, 2)
	prov := pricedProvider{ImageProvider: mock.New("noise-v1", 32, 32), price: 0.02}
	evs, err := runAndCollect(t, prov, &seqPrompts{}, cfg, Extras{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	costs := map[float64]bool{}
	for _, ev := range evs {
		if ev.Type == events.TypeProgress {
			costs[ev.CostSoFar] = true
		}
	}
	if len(costs) != 2 || !costs[0.02] || !costs[0.04] {
		t.Fatalf("costs: %v", costs)
	}
}
