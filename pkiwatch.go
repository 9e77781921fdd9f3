// Package pkiwatch watches PKI material from files, Kubernetes Secrets and
// the SPIFFE Workload API, pairs keys with certificates, validates the
// resulting identities and serves them to TLS consumers.
//
// Quick Start:
//
//	w, shutdown, err := pkiwatch.Start("pkiwatch.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer shutdown()
//
//	srv := &http.Server{
//	    Addr:      ":8443",
//	    TLSConfig: &tls.Config{GetCertificate: w.GetCertificate},
//	}
//	log.Fatal(srv.ListenAndServeTLS("", ""))
//
// Configuration (pkiwatch.yaml):
//
//	sources:
//	  file:
//	    path: /etc/tls/bundle.pem
//	validation:
//	  validate_domain: true
//	  domain: example.com
package pkiwatch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/sufield/pkiwatch/internal/adapters/inbound/httpapi"
	"github.com/sufield/pkiwatch/internal/adapters/outbound/filesource"
	"github.com/sufield/pkiwatch/internal/adapters/outbound/kubesource"
	"github.com/sufield/pkiwatch/internal/adapters/outbound/spiffesource"
	"github.com/sufield/pkiwatch/internal/bg"
	"github.com/sufield/pkiwatch/internal/config"
	"github.com/sufield/pkiwatch/internal/coordinator"
	"github.com/sufield/pkiwatch/internal/debug"
	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/logging"
	"github.com/sufield/pkiwatch/internal/metrics"
	"github.com/sufield/pkiwatch/internal/ports"
	"github.com/sufield/pkiwatch/internal/resolver"
	"github.com/sufield/pkiwatch/internal/validation"
)

// Configuration types, so callers can build a Config without a file.
type (
	Config            = config.Config
	SourcesSection    = config.SourcesSection
	FileSection       = config.FileSection
	KubernetesSection = config.KubernetesSection
	SPIFFESection     = config.SPIFFESection
	ValidationSection = config.ValidationSection
	RetrySection      = config.RetrySection
	HTTPSection       = config.HTTPSection
	LogSection        = config.LogSection
)

// ErrNoCertificate indicates GetCertificate found no valid identity for
// the requested server name.
var ErrNoCertificate = errors.New("no valid certificate for server name")

// ErrAlreadyStarted indicates Run was called more than once.
var ErrAlreadyStarted = errors.New("watcher already started")

// LoadConfig reads, overrides, defaults and validates a configuration file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the defaults a configuration file is decoded over.
// At least one source must be added before it validates.
func DefaultConfig() Config {
	return config.Default()
}

// Identity is a validated-or-flagged certificate chain with its key.
type Identity struct {
	ServerName    string
	Leaf          *x509.Certificate
	Intermediates []*x509.Certificate
	CA            *x509.Certificate
	Certificate   tls.Certificate

	// Valid is false when the identity failed validation; Failure says why.
	Valid   bool
	Failure error
}

// SourceState reports one source.
type SourceState struct {
	Name      string
	Kind      string
	State     string
	Ready     bool
	LastError string
	LastMerge time.Time
	Merges    uint64
	Failures  uint64
}

// Option configures a Watcher.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registry   *prometheus.Registry
	kubeClient kubernetes.Interface
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithKubernetesClient uses client instead of resolving a kubeconfig.
func WithKubernetesClient(client kubernetes.Interface) Option {
	return func(o *options) { o.kubeClient = client }
}

// Watcher owns the sources, the coordinator and the operator HTTP surface.
type Watcher struct {
	cfg      Config
	logger   *slog.Logger
	registry *prometheus.Registry
	coord    *coordinator.Coordinator
	queue    *bg.Queue
	sources  []ports.Source
	faults   *debug.FaultProfile
	server   *httpapi.Server
	handler  http.Handler

	mu      sync.Mutex
	started bool
}

// New validates cfg and builds a Watcher. Nothing is watched until Run.
// Per-source defaults (names, namespace, resource keys) are filled in first.
func New(cfg Config, opts ...Option) (*Watcher, error) {
	cfg = config.WithDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l, err := logging.New(os.Stderr, logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		if err != nil {
			return nil, err
		}
		o.logger = l
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	w := &Watcher{cfg: cfg, logger: o.logger, registry: o.registry}

	spiffe, err := w.buildSources(o)
	if err != nil {
		w.closeSources()
		return nil, err
	}

	listenAddr := cfg.HTTP.ListenAddr
	if dbg := debug.FromEnv(os.LookupEnv); dbg.Enabled {
		w.faults = debug.NewFaultProfile()
		for i, src := range w.sources {
			w.sources[i] = debug.Wrap(src, w.faults)
		}
		if listenAddr == "" {
			listenAddr = dbg.Addr
		}
		w.logger.Warn("debug fault injection enabled, do not use in production", "addr", listenAddr+"/_debug/")
	}

	validator, err := w.buildValidator(spiffe)
	if err != nil {
		w.closeSources()
		return nil, err
	}

	w.queue = bg.NewQueue(16)
	w.coord, err = coordinator.New(coordinator.NewStore(), w.sources,
		coordinator.WithValidator(validator),
		coordinator.WithResolver(resolver.New(resolver.WithLogger(w.logger))),
		coordinator.WithRecorder(metrics.New(w.registry)),
		coordinator.WithRunner(w.queue),
		coordinator.WithLogger(w.logger),
		coordinator.WithRetryPolicy(coordinator.RetryPolicy{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			RetrieveTimeout: cfg.Retry.RetrieveTimeout,
		}),
	)
	if err != nil {
		w.queue.Close()
		w.closeSources()
		return nil, err
	}

	w.handler = httpapi.NewRouter(w.coord, w.registry, w.logger)
	if w.faults != nil {
		mux := chi.NewRouter()
		mux.Mount("/_debug", debug.Handler(w.faults))
		mux.Mount("/", w.handler)
		w.handler = mux
	}
	if listenAddr != "" {
		w.server, err = httpapi.NewServer(listenAddr, w.handler, w.logger)
		if err != nil {
			w.queue.Close()
			w.closeSources()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) buildSources(o options) (*spiffesource.Source, error) {
	s := w.cfg.Sources

	if f := s.File; f != nil {
		src, err := filesource.New(f.Name, f.Path, filesource.WithLogger(w.logger))
		if err != nil {
			return nil, fmt.Errorf("file source: %w", err)
		}
		w.sources = append(w.sources, src)
	}

	if k := s.Kubernetes; k != nil {
		client := o.kubeClient
		if client == nil {
			var err error
			client, err = kubesource.NewClient(k.Kubeconfig, k.Context)
			if err != nil {
				return nil, fmt.Errorf("kubernetes source: %w", err)
			}
		}
		src, err := kubesource.New(k.Name, client, kubesource.Config{
			Namespace:    k.Namespace,
			SecretName:   k.SecretName,
			ResourceKeys: k.ResourceKeys,
			OptionalKeys: k.OptionalKeys,
		}, kubesource.WithLogger(w.logger))
		if err != nil {
			return nil, fmt.Errorf("kubernetes source: %w", err)
		}
		w.sources = append(w.sources, src)
	}

	var spiffe *spiffesource.Source
	if sp := s.SPIFFE; sp != nil {
		spiffe = spiffesource.New(sp.Name, sp.SocketPath, spiffesource.WithLogger(w.logger))
		w.sources = append(w.sources, spiffe)
	}
	return spiffe, nil
}

func (w *Watcher) buildValidator(spiffe *spiffesource.Source) (*validation.Validator, error) {
	v := w.cfg.Validation
	opts := []validation.Option{validation.WithLogger(w.logger)}

	if v.ValidateChain {
		switch v.Trust {
		case "spiffe":
			opts = append(opts, validation.WithTrustVerifier(&validation.SPIFFEVerifier{Bundles: spiffe}))
		default:
			verifier := &validation.X509Verifier{}
			if v.RootsFile != "" {
				roots, err := validation.LoadRoots(v.RootsFile)
				if err != nil {
					return nil, fmt.Errorf("validation.roots_file: %w", err)
				}
				verifier.Roots = roots
			}
			opts = append(opts, validation.WithTrustVerifier(verifier))
		}
	}

	validator, err := validation.NewValidator(v.Policy(), opts...)
	if err != nil {
		return nil, fmt.Errorf("validation policy: %w", err)
	}
	return validator, nil
}

// Run watches every source and serves the operator surface until ctx is
// cancelled. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	defer w.queue.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.coord.Run(gctx) })
	if w.server != nil {
		g.Go(func() error { return w.server.ListenAndServe(gctx) })
	}
	return g.Wait()
}

// Identity returns the identity for serverName.
func (w *Watcher) Identity(serverName string) (Identity, bool) {
	snap := w.coord.Snapshot()
	id, ok := snap.Identity(serverName)
	if !ok {
		return Identity{}, false
	}
	return toIdentity(snap, id), true
}

// Identities returns every identity in the current snapshot.
func (w *Watcher) Identities() []Identity {
	snap := w.coord.Snapshot()
	all := snap.Identities().All()
	out := make([]Identity, 0, len(all))
	for _, id := range all {
		out = append(out, toIdentity(snap, id))
	}
	return out
}

// GetCertificate serves valid identities to crypto/tls. A ClientHello
// without SNI is answered only when exactly one valid identity exists.
func (w *Watcher) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	snap := w.coord.Snapshot()

	if name := domain.NormalizeServerName(hello.ServerName); name != "" {
		if id, ok := snap.Identity(name); ok && snap.Valid(name) {
			cert := id.TLSCertificate()
			return &cert, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrNoCertificate, hello.ServerName)
	}

	var only *domain.Identity
	for _, id := range snap.Identities().All() {
		if !snap.Valid(id.ServerName()) {
			continue
		}
		if only != nil {
			return nil, fmt.Errorf("%w: client sent no server name and several identities are loaded", ErrNoCertificate)
		}
		only = id
	}
	if only == nil {
		return nil, ErrNoCertificate
	}
	cert := only.TLSCertificate()
	return &cert, nil
}

// States reports every source.
func (w *Watcher) States() []SourceState {
	states := w.coord.States()
	out := make([]SourceState, 0, len(states))
	for _, st := range states {
		out = append(out, SourceState{
			Name:      st.Name,
			Kind:      string(st.Kind),
			State:     st.State.String(),
			Ready:     st.Ready(),
			LastError: st.LastError,
			LastMerge: st.LastMerge,
			Merges:    st.Merges,
			Failures:  st.Failures,
		})
	}
	return out
}

// Ready reports whether every source has merged and none has halted.
func (w *Watcher) Ready() bool { return w.coord.Ready() }

// Version is the current snapshot version. It increases on every merge.
func (w *Watcher) Version() uint64 { return w.coord.Snapshot().Version() }

// Subscribe calls fn with the new version after every merge. Calls are
// serialised on a background queue.
func (w *Watcher) Subscribe(fn func(version uint64)) {
	w.coord.Subscribe(func(s *coordinator.Snapshot) { fn(s.Version()) })
}

// Handler returns the operator HTTP routes, for mounting on another server.
func (w *Watcher) Handler() http.Handler { return w.handler }

// Registry returns the metrics registry.
func (w *Watcher) Registry() *prometheus.Registry { return w.registry }

// Close releases the sources of a Watcher that was never run. Run closes
// them itself when it returns.
func (w *Watcher) Close() error {
	w.mu.Lock()
	started := w.started
	w.started = true
	w.mu.Unlock()
	if started {
		return nil
	}
	w.queue.Close()
	w.closeSources()
	return nil
}

func (w *Watcher) closeSources() {
	for _, src := range w.sources {
		if err := src.Close(); err != nil {
			w.logger.Warn("close source", "source", src.Name(), "error", err)
		}
	}
}

// Start loads configPath and runs a Watcher in the background.
//
// Returns:
//   - the running Watcher
//   - shutdown: stops the watcher and waits for it; safe to call multiple times
//   - error: if config loading or source construction fails
func Start(configPath string, opts ...Option) (*Watcher, func() error, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	w, err := New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var (
		once        sync.Once
		shutdownErr error
	)
	shutdown := func() error {
		once.Do(func() {
			cancel()
			shutdownErr = <-done
		})
		return shutdownErr
	}
	return w, shutdown, nil
}

func toIdentity(snap *coordinator.Snapshot, id *domain.Identity) Identity {
	return Identity{
		ServerName:    id.ServerName(),
		Leaf:          id.Leaf(),
		Intermediates: id.Intermediates(),
		CA:            id.CA(),
		Certificate:   id.TLSCertificate(),
		Valid:         snap.Valid(id.ServerName()),
		Failure:       snap.Failure(id.ServerName()),
	}
}
