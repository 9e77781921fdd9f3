// Package spiffesource streams X.509 SVIDs from the SPIFFE Workload API.
//
// Unlike the file and Kubernetes sources, SVIDs arrive with their key and
// chain already bound, so deltas are Paired and skip the resolver. The
// source also serves the latest trust bundles as an x509bundle.Source for
// SPIFFE chain validation.
package spiffesource

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/ports"
)

var (
	// ErrClosed indicates the source was closed.
	ErrClosed = errors.New("spiffe source closed")
	// ErrNoContext indicates no X.509 context has been received yet.
	ErrNoContext = errors.New("no X.509 context received yet")
)

// Watcher is the part of *workloadapi.Client the source uses.
type Watcher interface {
	WatchX509Context(ctx context.Context, watcher workloadapi.X509ContextWatcher) error
	Close() error
}

// Dialer opens a Workload API connection.
type Dialer func(ctx context.Context, addr string) (Watcher, error)

func dialWorkloadAPI(ctx context.Context, addr string) (Watcher, error) {
	var opts []workloadapi.ClientOption
	if addr != "" {
		opts = append(opts, workloadapi.WithAddr(addr))
	}
	// An empty address falls back to SPIFFE_ENDPOINT_SOCKET.
	return workloadapi.New(ctx, opts...)
}

var (
	_ ports.Source                   = (*Source)(nil)
	_ x509bundle.Source              = (*Source)(nil)
	_ workloadapi.X509ContextWatcher = (*Source)(nil)
)

// Source watches one Workload API endpoint.
type Source struct {
	name   string
	addr   string
	dial   Dialer
	logger *slog.Logger

	// Latest-wins signals from the stream goroutine.
	updated chan struct{}
	failed  chan error

	mu      sync.RWMutex
	latest  *workloadapi.X509Context
	client  Watcher
	cancel  context.CancelFunc
	stopped chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDialer replaces the Workload API dialer.
func WithDialer(d Dialer) Option {
	return func(s *Source) { s.dial = d }
}

// New returns a source for the Workload API at socket. A bare filesystem
// path is treated as a unix socket. An empty socket defers to the
// SPIFFE_ENDPOINT_SOCKET environment variable.
func New(name, socket string, opts ...Option) *Source {
	if name == "" {
		name = string(ports.SourceKindSPIFFE)
	}
	s := &Source{
		name:    name,
		dial:    dialWorkloadAPI,
		logger:  slog.Default(),
		updated: make(chan struct{}, 1),
		failed:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
	if socket != "" {
		s.addr = normalizeToAddr(socket)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Source) Name() string          { return s.name }
func (s *Source) Kind() ports.SourceKind { return ports.SourceKindSPIFFE }

// Addr returns the normalised Workload API address, or "" when taken from
// the environment.
func (s *Source) Addr() string { return s.addr }

// Wait starts the stream on first use and blocks until the next X.509
// context arrives.
func (s *Source) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureStream(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ports.Fatal(s.name, ErrClosed)
	case <-s.updated:
		return nil
	case err := <-s.failed:
		return ports.Retryable(s.name, fmt.Errorf("workload API: %w", err))
	}
}

// Retrieve converts the latest X.509 context into a delta.
func (s *Source) Retrieve(ctx context.Context) (ports.Delta, error) {
	if err := ctx.Err(); err != nil {
		return ports.Delta{}, err
	}
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest == nil {
		return ports.Delta{}, ports.Retryable(s.name, ErrNoContext)
	}
	return DeltaFromContext(latest), nil
}

// GetX509BundleForTrustDomain serves the bundle from the latest context.
func (s *Source) GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*x509bundle.Bundle, error) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest == nil || latest.Bundles == nil {
		return nil, ErrNoContext
	}
	return latest.Bundles.GetX509BundleForTrustDomain(td)
}

// OnX509ContextUpdate records the context and wakes Wait.
func (s *Source) OnX509ContextUpdate(c *workloadapi.X509Context) {
	s.mu.Lock()
	s.latest = c
	s.mu.Unlock()
	s.logger.Debug("x509 context updated", "source", s.name, "svids", len(c.SVIDs))
	select {
	case s.updated <- struct{}{}:
	default:
	}
}

// OnX509ContextWatchError forwards stream errors to Wait. The client keeps
// retrying the stream on its own.
func (s *Source) OnX509ContextWatchError(err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.failed <- err:
	default:
	}
}

// Close stops the stream and closes the connection. It is idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		cancel, client, stopped := s.cancel, s.client, s.stopped
		s.client = nil
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if client != nil {
			s.closeErr = client.Close()
		}
		if stopped != nil {
			<-stopped
		}
	})
	return s.closeErr
}

func (s *Source) ensureStream(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return ports.Fatal(s.name, ErrClosed)
	default:
	}
	if s.client != nil {
		return nil
	}

	client, err := s.dial(ctx, s.addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ports.Retryable(s.name, fmt.Errorf("connect to workload API %q: %w", s.addr, err))
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	s.client, s.cancel, s.stopped = client, cancel, stopped

	go func() {
		defer close(stopped)
		err := client.WatchX509Context(streamCtx, s)
		if streamCtx.Err() != nil {
			return
		}
		// The stream ended on its own: redial on the next Wait.
		s.mu.Lock()
		if s.client == client {
			s.client = nil
			_ = client.Close()
		}
		s.mu.Unlock()
		if err == nil {
			err = errors.New("stream ended")
		}
		s.OnX509ContextWatchError(err)
	}()
	return nil
}

// DeltaFromContext turns each SVID into an identity. SVIDs that cannot be
// paired (unsupported key, no bundle, no issuing authority) are reported in
// Dropped.
func DeltaFromContext(c *workloadapi.X509Context) ports.Delta {
	d := ports.Delta{Objects: domain.NewPkiObjectSet(), Paired: true}
	seen := make(map[string]bool)
	add := func(kind domain.Kind, der []byte) {
		if seen[string(der)] {
			return
		}
		seen[string(der)] = true
		d.Objects.Add(kind, der)
	}

	for _, svid := range c.SVIDs {
		id, err := identityFromSVID(svid, c.Bundles)
		if err != nil {
			d.Dropped = append(d.Dropped, fmt.Errorf("svid %s: %w", svid.ID, err))
			continue
		}
		for _, cert := range id.CertificateChain() {
			add(domain.KindCertificate, cert.Raw)
		}
		der, err := id.PrivateKey().MarshalPKCS8()
		if err != nil {
			d.Dropped = append(d.Dropped, fmt.Errorf("svid %s: %w", svid.ID, err))
			continue
		}
		add(domain.KindPKCS8Key, der)
		d.Identities = append(d.Identities, id)
	}
	return d
}

func identityFromSVID(svid *x509svid.SVID, bundles *x509bundle.Set) (*domain.Identity, error) {
	if len(svid.Certificates) == 0 {
		return nil, errors.New("svid has no certificates")
	}
	key, err := domain.FromSigner(svid.PrivateKey)
	if err != nil {
		return nil, err
	}
	if bundles == nil {
		return nil, fmt.Errorf("no bundle for trust domain %s", svid.ID.TrustDomain())
	}
	bundle, err := bundles.GetX509BundleForTrustDomain(svid.ID.TrustDomain())
	if err != nil {
		return nil, err
	}

	leaf := svid.Certificates[0]
	last := svid.Certificates[len(svid.Certificates)-1]
	ca := issuingAuthority(last, bundle.X509Authorities())
	if ca == nil {
		return nil, &domain.ChainResolutionError{
			Subject: leaf.Subject.String(),
			Issuer:  last.Issuer.String(),
			Err:     domain.ErrNoChainPath,
		}
	}
	return domain.NewIdentity(leaf, key, svid.Certificates[1:], ca)
}

func issuingAuthority(cert *x509.Certificate, authorities []*x509.Certificate) *x509.Certificate {
	for _, a := range authorities {
		if bytes.Equal(a.RawSubject, cert.RawIssuer) && cert.CheckSignatureFrom(a) == nil {
			return a
		}
	}
	return nil
}

// normalizeToAddr converts a socket address to the scheme-prefixed form
// workloadapi.WithAddr expects. Bare paths become unix:// addresses.
func normalizeToAddr(raw string) string {
	if strings.HasPrefix(raw, "unix://") || strings.HasPrefix(raw, "tcp://") {
		return raw
	}
	return "unix://" + raw
}
