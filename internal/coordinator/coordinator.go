// Package coordinator runs one watch loop per source and merges what they
// produce into a single Store.
//
// Each source is driven by its own goroutine through Wait, Retrieve,
// resolve and validate. Only the finished Update crosses into the single
// merge goroutine, so the store's write lock is held for the merge alone and
// never across I/O or cryptography. A slow or failing source delays only
// itself.
package coordinator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/sufield/pkiwatch/internal/bg"
	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/pemcodec"
	"github.com/sufield/pkiwatch/internal/ports"
	"github.com/sufield/pkiwatch/internal/resolver"
	"github.com/sufield/pkiwatch/internal/validation"
)

var (
	ErrNoSources       = errors.New("at least one source is required")
	ErrDuplicateSource = errors.New("duplicate source name")
	ErrAlreadyRunning  = errors.New("coordinator is already running")
)

// Recorder receives coordinator activity. The Prometheus implementation
// lives in internal/metrics.
type Recorder interface {
	SourceState(source, state string)
	Merge(source string)
	DecodeFailure(source string)
	RetrieveFailure(source string, fatal bool)
	Dropped(source string, n int)
	Validation(check string)
	RetrieveDuration(source string, d time.Duration)
	Identities(expiry map[string]time.Time)
}

type nopRecorder struct{}

func (nopRecorder) SourceState(string, string)             {}
func (nopRecorder) Merge(string)                           {}
func (nopRecorder) DecodeFailure(string)                   {}
func (nopRecorder) RetrieveFailure(string, bool)           {}
func (nopRecorder) Dropped(string, int)                    {}
func (nopRecorder) Validation(string)                      {}
func (nopRecorder) RetrieveDuration(string, time.Duration) {}
func (nopRecorder) Identities(map[string]time.Time)        {}

// RetryPolicy bounds retries of a failing source.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetrieveTimeout caps one Retrieve call. Zero means no cap.
	RetrieveTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		RetrieveTimeout: 10 * time.Second,
	}
}

// Coordinator owns the sources it is given and closes them when Run returns.
type Coordinator struct {
	store     *Store
	sources   []ports.Source
	resolver  *resolver.Resolver
	validator *validation.Validator
	recorder  Recorder
	runner    bg.Runner
	logger    *slog.Logger
	retry     RetryPolicy

	mu      sync.RWMutex
	status  map[string]*SourceStatus
	digests map[string][sha256.Size]byte
	subs    []func(*Snapshot)

	running atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithValidator validates every identity before it is merged.
func WithValidator(v *validation.Validator) Option {
	return func(c *Coordinator) { c.validator = v }
}

// WithResolver replaces the default resolver.
func WithResolver(r *resolver.Resolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithRecorder reports activity to r.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithRunner sets how subscribers are notified. Defaults to bg.Async.
func WithRunner(r bg.Runner) Option {
	return func(c *Coordinator) { c.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// New returns a Coordinator merging sources into store.
func New(store *Store, sources []ports.Source, opts ...Option) (*Coordinator, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	c := &Coordinator{
		store:    store,
		sources:  sources,
		recorder: nopRecorder{},
		runner:   bg.Async{},
		logger:   slog.Default(),
		retry:    DefaultRetryPolicy(),
		status:   make(map[string]*SourceStatus, len(sources)),
		digests:  make(map[string][sha256.Size]byte, len(sources)),
	}
	for _, o := range opts {
		o(c)
	}
	if c.store == nil {
		c.store = NewStore()
	}
	if c.resolver == nil {
		c.resolver = resolver.New(resolver.WithLogger(c.logger))
	}

	for _, src := range sources {
		if _, dup := c.status[src.Name()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, src.Name())
		}
		c.status[src.Name()] = &SourceStatus{Name: src.Name(), Kind: src.Kind(), State: StateIdle}
	}
	return c, nil
}

// Store returns the store the coordinator merges into.
func (c *Coordinator) Store() *Store { return c.store }

// Snapshot returns the current snapshot.
func (c *Coordinator) Snapshot() *Snapshot { return c.store.Snapshot() }

// States reports every source in the order the sources were given.
func (c *Coordinator) States() []SourceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SourceStatus, 0, len(c.sources))
	for _, src := range c.sources {
		out = append(out, *c.status[src.Name()])
	}
	return out
}

// Ready reports whether every source has merged and none has halted.
func (c *Coordinator) Ready() bool {
	for _, st := range c.States() {
		if !st.Ready() {
			return false
		}
	}
	return true
}

// Subscribe registers fn to receive every new snapshot after it is merged.
func (c *Coordinator) Subscribe(fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Run watches every source until ctx is cancelled or every source has
// halted. A source failing fatally stops only its own loop. Run returns nil
// on cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	updates := make(chan Update)
	g, gctx := errgroup.WithContext(ctx)

	var producers sync.WaitGroup
	for _, src := range c.sources {
		producers.Add(1)
		g.Go(func() error {
			defer producers.Done()
			c.watch(gctx, src, updates)
			return nil
		})
	}
	go func() {
		producers.Wait()
		close(updates)
	}()

	// Single merge step: updates from one source arrive in the order that
	// source produced them.
	g.Go(func() error {
		for u := range updates {
			c.apply(u)
		}
		return nil
	})

	return g.Wait()
}

func (c *Coordinator) watch(ctx context.Context, src ports.Source, updates chan<- Update) {
	name := src.Name()
	log := c.logger.With("source", name, "kind", string(src.Kind()))
	defer func() {
		if err := src.Close(); err != nil {
			log.Warn("close source", "error", err)
		}
	}()

	b := c.newBackOff()
	for {
		c.transition(name, StateIdle, nil)
		if err := src.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				c.transition(name, StateStopped, nil)
				return
			}
			if !c.backOff(ctx, log, name, b, err) {
				return
			}
			continue
		}

		delta, ok := c.retrieve(ctx, log, src, b)
		if !ok {
			return
		}
		b.Reset()
		if delta == nil {
			continue
		}

		u, err := c.prepare(ctx, log, name, *delta)
		if err != nil {
			c.discard(log, name, err)
			continue
		}
		if c.unchanged(name, u.Objects) {
			log.Debug("material unchanged; skipping merge")
			continue
		}

		c.transition(name, StateMerging, nil)
		select {
		case updates <- u:
		case <-ctx.Done():
			c.transition(name, StateStopped, nil)
			return
		}
	}
}

// retrieve calls Retrieve until it succeeds, the delta is discarded as
// malformed (nil, true), or the loop must end (nil, false).
func (c *Coordinator) retrieve(ctx context.Context, log *slog.Logger, src ports.Source, b backoff.BackOff) (*ports.Delta, bool) {
	name := src.Name()
	for {
		c.transition(name, StateRetrieving, nil)

		rctx, cancel := ctx, context.CancelFunc(func() {})
		if c.retry.RetrieveTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, c.retry.RetrieveTimeout)
		}
		start := time.Now()
		delta, err := src.Retrieve(rctx)
		cancel()
		c.recorder.RetrieveDuration(name, time.Since(start))

		if ctx.Err() != nil {
			c.transition(name, StateStopped, nil)
			return nil, false
		}
		if err == nil {
			return &delta, true
		}

		var de *domain.DecodeError
		if errors.As(err, &de) {
			c.discard(log, name, err)
			return nil, true
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ports.ErrSourceRetrieval) {
			err = ports.Retryable(name, fmt.Errorf("retrieve timed out after %s: %w", c.retry.RetrieveTimeout, err))
		}
		if !c.backOff(ctx, log, name, b, err) {
			return nil, false
		}
	}
}

// backOff records a failure. Retryable failures sleep for the next backoff
// interval and return true; fatal failures and cancellation return false.
func (c *Coordinator) backOff(ctx context.Context, log *slog.Logger, name string, b backoff.BackOff, err error) bool {
	if ports.IsFatal(err) {
		c.transition(name, StateFailedFatal, err)
		c.recorder.RetrieveFailure(name, true)
		log.Error("source halted", "error", err)
		return false
	}

	c.transition(name, StateFailedRetryable, err)
	c.recorder.RetrieveFailure(name, false)

	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = c.retry.MaxInterval
	}
	log.Warn("source failed; retrying", "error", err, "backoff", wait)

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		c.transition(name, StateStopped, nil)
		return false
	case <-t.C:
		return true
	}
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		b.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		b.MaxInterval = c.retry.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// prepare resolves and validates a delta outside any lock.
func (c *Coordinator) prepare(ctx context.Context, log *slog.Logger, name string, d ports.Delta) (Update, error) {
	u := Update{Source: name, Objects: d.Objects}
	dropped := d.Dropped

	if d.Paired {
		u.Identities = d.Identities
	} else {
		res, err := c.resolver.Resolve(d.Objects)
		if err != nil {
			return Update{}, err
		}
		u.Identities = res.Identities.All()
		dropped = append(dropped, res.Dropped...)
	}

	for _, err := range dropped {
		log.Warn("candidate identity dropped", "error", err)
	}
	c.recorder.Dropped(name, len(dropped))

	if c.validator != nil {
		u.Verdicts = make(map[string]error, len(u.Identities))
		u.ValidUntil = make(map[string]time.Time, len(u.Identities))
		for _, id := range u.Identities {
			err := c.validator.VerifyIdentity(ctx, id)
			u.Verdicts[id.ServerName()] = err
			if err != nil {
				c.recorder.Validation(validation.CheckOf(err).String())
				log.Warn("identity failed validation", "server_name", id.ServerName(), "error", err)
				continue
			}
			u.ValidUntil[id.ServerName()] = c.validator.ValidUntil(id)
			c.recorder.Validation("")
		}
	}
	return u, nil
}

func (c *Coordinator) discard(log *slog.Logger, name string, err error) {
	c.recorder.DecodeFailure(name)
	c.mu.Lock()
	st := c.status[name]
	st.LastError = err.Error()
	st.Failures++
	c.mu.Unlock()
	log.Warn("discarding malformed delta", "error", err)
}

// unchanged reports whether objects is byte-identical to the last delta the
// source merged, recording it otherwise.
func (c *Coordinator) unchanged(name string, objects *domain.PkiObjectSet) bool {
	sum := sha256.Sum256(pemcodec.EncodeToMemory(objects))
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.digests[name]; ok && prev == sum {
		return true
	}
	c.digests[name] = sum
	return false
}

func (c *Coordinator) apply(u Update) {
	// Status is updated under the same critical section as the store so a
	// reader that sees the new snapshot also sees the merge count.
	c.mu.Lock()
	snap := c.store.Apply(u)
	st := c.status[u.Source]
	st.Merges++
	st.LastMerge = snap.UpdatedAt()
	st.LastError = ""
	subs := make([]func(*Snapshot), len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	c.recorder.Merge(u.Source)
	expiry := make(map[string]time.Time, snap.identities.Len())
	for _, id := range snap.identities.All() {
		expiry[id.ServerName()] = id.Leaf().NotAfter
	}
	c.recorder.Identities(expiry)

	c.logger.Info("merged delta",
		"source", u.Source,
		"version", snap.Version(),
		"identities", len(u.Identities),
		"objects", u.Objects.Len())

	for _, fn := range subs {
		c.runner.Do(func() { fn(snap) })
	}
}

func (c *Coordinator) transition(name string, to State, err error) {
	c.mu.Lock()
	st := c.status[name]
	from := st.State
	st.State = to
	if err != nil {
		st.LastError = err.Error()
		st.Failures++
	}
	c.mu.Unlock()

	c.recorder.SourceState(name, to.String())
	if from != to {
		c.logger.Debug("source state changed", "source", name, "from", from.String(), "to", to.String())
	}
}
