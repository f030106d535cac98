// Package orchestrator drives a generation run: a self-feeding job queue with
// bounded concurrency, provider rate limiting, retries with backoff, optional
// prompt rewriting and perceptual dedupe, and atomic persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danshapiro/adgen/internal/dedupe"
	"github.com/danshapiro/adgen/internal/events"
	"github.com/danshapiro/adgen/internal/post"
	"github.com/danshapiro/adgen/internal/provider"
	"github.com/danshapiro/adgen/internal/rewrite"
	"github.com/danshapiro/adgen/internal/store"
)

// PromptSource yields one prompt per job.
type PromptSource interface {
	Next() string
}

// Config carries the per-run knobs the orchestrator needs. Completed and
// NextID come from the manifest when resuming; a fresh run uses 0 and 1.
type Config struct {
	RunID  string
	OutDir string

	Target    uint64
	Completed uint64
	NextID    int

	Concurrency int
	QueueCap    int
	RatePerMin  int

	MaxAttempts     int
	BackoffBaseMS   int64
	BackoffFactor   float64
	BackoffJitterMS int64
}

// Extras are the optional pipeline stages. Nil fields disable the stage.
type Extras struct {
	Rewriter rewrite.Rewriter
	Cache    *rewrite.Cache
	Deduper  *dedupe.Deduper
	Post     *post.Processor
}

type job struct {
	id int
}

type run struct {
	cfg     Config
	prov    provider.ImageProvider
	prompts PromptSource
	extras  Extras
	bus     *events.Bus

	limiter  *RateLimiter
	manifest *store.ManifestWriter
	seq      *sequencer

	jobs    chan job
	sem     chan struct{}
	pending sync.WaitGroup

	issued atomic.Uint64 // ids handed out, including resumed ones
	nextID atomic.Int64
	done   atomic.Uint64

	failOnce sync.Once
	failErr  error
	cancel   context.CancelFunc
}

// Run executes the pipeline until Target images exist (or were consumed by
// dedupe drops and fatal job failures), publishing progress on bus. It
// returns the first persistence error or ctx's error on cancellation.
func Run(ctx context.Context, prov provider.ImageProvider, prompts PromptSource, cfg Config, extras Extras, bus *events.Bus) error {
	bus.Publish(events.Started(cfg.RunID, cfg.Target))

	if cfg.Completed >= cfg.Target {
		bus.Publish(events.Finished(cfg.RunID))
		return nil
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.QueueCap < 1 {
		cfg.QueueCap = cfg.Concurrency * 2
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.NextID < 1 {
		cfg.NextID = 1
	}

	manifest, err := store.OpenManifest(cfg.OutDir)
	if err != nil {
		bus.Publish(events.Failed(cfg.RunID, err.Error()))
		return err
	}
	defer func() { _ = manifest.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o := &run{
		cfg:      cfg,
		prov:     prov,
		prompts:  prompts,
		extras:   extras,
		bus:      bus,
		limiter:  NewRateLimiter(cfg.RatePerMin),
		manifest: manifest,
		seq:      newSequencer(cfg.NextID),
		jobs:     make(chan job, cfg.QueueCap),
		sem:      make(chan struct{}, cfg.Concurrency),
		cancel:   cancel,
	}
	o.issued.Store(cfg.Completed)
	o.nextID.Store(int64(cfg.NextID))
	o.done.Store(cfg.Completed)

	// Prime the queue synchronously (depth never exceeds the queue cap, so
	// the sends cannot block); each finishing job then seeds at most one
	// successor, keeping the queue fed until every id has been issued.
	depth := int(cfg.Target - cfg.Completed)
	if depth > cfg.Concurrency*2 {
		depth = cfg.Concurrency * 2
	}
	if depth > cfg.QueueCap {
		depth = cfg.QueueCap
	}
	for i := 0; i < depth; i++ {
		if !o.seedOne() {
			break
		}
	}
	go func() {
		o.pending.Wait()
		close(o.jobs)
	}()

	var workers sync.WaitGroup
	for j := range o.jobs {
		workers.Add(1)
		go func(j job) {
			defer workers.Done()
			o.worker(ctx, j)
		}(j)
	}
	workers.Wait()

	if o.failErr != nil {
		bus.Publish(events.Failed(cfg.RunID, o.failErr.Error()))
		return o.failErr
	}
	if err := ctx.Err(); err != nil {
		bus.Publish(events.Failed(cfg.RunID, err.Error()))
		return err
	}
	bus.Publish(events.Finished(cfg.RunID))
	return nil
}

// seedOne issues the next job id if the run has ids left to hand out.
func (o *run) seedOne() bool {
	for {
		cur := o.issued.Load()
		if cur >= o.cfg.Target {
			return false
		}
		if o.issued.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	id := int(o.nextID.Add(1) - 1)
	o.pending.Add(1)
	o.jobs <- job{id: id}
	return true
}

func (o *run) fail(err error) {
	o.failOnce.Do(func() {
		o.failErr = err
		o.cancel()
	})
}

func (o *run) logf(format string, args ...any) {
	o.bus.Publish(events.Log(o.cfg.RunID, fmt.Sprintf(format, args...)))
}

func (o *run) worker(ctx context.Context, j job) {
	defer o.pending.Done()
	defer o.seedOne()
	defer o.seq.release(j.id)

	if ctx.Err() != nil {
		return
	}

	original := o.prompts.Next()
	o.logf("#%d prompt: %s", j.id, original)

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	semHeld := true
	releaseSem := func() {
		if semHeld {
			semHeld = false
			<-o.sem
		}
	}
	defer releaseSem()

	prompt := original
	if o.extras.Rewriter != nil {
		prompt = o.rewritePrompt(ctx, j.id, original)
	}

	art, ok := o.generate(ctx, j.id, prompt)
	if !ok {
		return
	}

	phash := ""
	if o.extras.Deduper != nil {
		dup, h, err := o.extras.Deduper.CheckAndInsert(art.Bytes)
		if err != nil {
			o.logf("#%d phash failed, keeping image unhashed: %v", j.id, err)
		} else if dup {
			o.logf("#%d dedupe: dropped near-duplicate", j.id)
			return
		} else {
			phash = h
		}
	}

	imgBytes, width, height := art.Bytes, art.Width, art.Height
	ext := "png"
	var thumb []byte
	if o.extras.Post != nil {
		b, w, h, err := o.extras.Post.Process(art.Bytes)
		if err != nil {
			o.logf("#%d post-processing failed, dropping image: %v", j.id, err)
			return
		}
		imgBytes, width, height = b, w, h
		ext = o.extras.Post.Ext()
		if thumb, err = o.extras.Post.Thumbnail(imgBytes); err != nil {
			o.logf("#%d thumbnail failed: %v", j.id, err)
			thumb = nil
		}
	}

	price := o.prov.PriceUSDPerImage()
	sc := store.Sidecar{
		ManifestEntry: store.ManifestEntry{
			ID:        j.id,
			RunID:     o.cfg.RunID,
			Provider:  o.prov.Name(),
			Model:     o.prov.Model(),
			Prompt:    prompt,
			Width:     width,
			Height:    height,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			CostUSD:   price,
			PHash:     phash,
		},
		OriginalPrompt: original,
	}
	if prompt != original {
		sc.RewrittenPrompt = prompt
	}

	entry, err := store.SaveArtifact(o.cfg.OutDir, store.Artifact{
		Image:   imgBytes,
		Thumb:   thumb,
		Ext:     ext,
		Sidecar: sc,
	})
	if err != nil {
		o.fail(fmt.Errorf("persist image %d: %w", j.id, err))
		return
	}

	// Manifest lines commit in id order. Drop the concurrency permit first
	// so waiting for a lower id can never starve that id's worker of one.
	releaseSem()
	if err := o.seq.commit(j.id, func() error { return o.manifest.Append(entry) }); err != nil {
		o.fail(fmt.Errorf("append manifest line %d: %w", j.id, err))
		return
	}

	done := o.done.Add(1)
	o.bus.Publish(events.Progress(o.cfg.RunID, done, o.cfg.Target, float64(done)*price))
	o.logf("#%d saved %s", j.id, entry.Path)
}

// rewritePrompt consults the cache before calling the rewriter. Rewrite and
// cache-write failures degrade to the original prompt rather than failing
// the job.
func (o *run) rewritePrompt(ctx context.Context, id int, original string) string {
	rw := o.extras.Rewriter
	cache := o.extras.Cache

	var key string
	if cache != nil {
		key = rewrite.CacheKey(rw.Name(), rw.Model(), rw.System(), original)
		if v, ok := cache.Get(key); ok {
			o.logf("#%d rewrite cache hit", id)
			return v
		}
	}
	v, err := rw.Rewrite(ctx, original)
	if err != nil {
		o.logf("#%d rewrite failed, using original prompt: %v", id, err)
		return original
	}
	if strings.TrimSpace(v) == "" {
		o.logf("#%d rewrite returned empty text, using original prompt", id)
		return original
	}
	if cache != nil {
		if err := cache.Put(key, v); err != nil {
			o.logf("#%d rewrite cache write failed: %v", id, err)
		}
	}
	if v != original {
		o.logf("#%d prompt rewritten", id)
	}
	return v
}

// generate calls the provider with rate limiting and retries. A false return
// means the job was dropped (fatal error, retries exhausted, or cancel).
func (o *run) generate(ctx context.Context, id int, prompt string) (provider.Artifact, bool) {
	for attempt := 1; ; attempt++ {
		if err := o.limiter.Acquire(ctx); err != nil {
			return provider.Artifact{}, false
		}
		art, err := o.prov.Generate(ctx, prompt)
		if err == nil {
			return art, true
		}
		if !provider.Retryable(err) || attempt >= o.cfg.MaxAttempts {
			o.logf("#%d failed after %d attempt(s): %v", id, attempt, err)
			return provider.Artifact{}, false
		}
		delay := Delay(attempt, o.cfg.BackoffBaseMS, o.cfg.BackoffFactor, o.cfg.BackoffJitterMS,
			fmt.Sprintf("%s:%d:%d", o.cfg.RunID, id, attempt))
		if ra := retryAfterOf(err); ra != nil && *ra > delay {
			delay = *ra
		}
		o.logf("#%d attempt %d failed: %v; retrying in %s", id, attempt, err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return provider.Artifact{}, false
		case <-timer.C:
		}
	}
}

func retryAfterOf(err error) *time.Duration {
	var pe provider.Error
	if errors.As(err, &pe) {
		return pe.RetryAfter()
	}
	return nil
}
