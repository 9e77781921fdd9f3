package spiffesource_test

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/pkiwatch/internal/adapters/outbound/spiffesource"
	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/ports"
	"github.com/sufield/pkiwatch/internal/testhelpers"
)

// fakeWorkloadAPI hands the registered watcher to the test and blocks like
// the real stream until cancelled.
type fakeWorkloadAPI struct {
	watchers chan workloadapi.X509ContextWatcher
	end      chan error

	mu     sync.Mutex
	closed int
}

func newFakeWorkloadAPI() *fakeWorkloadAPI {
	return &fakeWorkloadAPI{
		watchers: make(chan workloadapi.X509ContextWatcher, 4),
		end:      make(chan error, 1),
	}
}

func (f *fakeWorkloadAPI) WatchX509Context(ctx context.Context, w workloadapi.X509ContextWatcher) error {
	f.watchers <- w
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.end:
		return err
	}
}

func (f *fakeWorkloadAPI) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeWorkloadAPI) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type svidFixture struct {
	td           spiffeid.TrustDomain
	root         *testhelpers.Issued
	intermediate *testhelpers.Issued
	leaf         *testhelpers.Issued
}

func newSVIDFixture(t *testing.T) svidFixture {
	t.Helper()
	root := testhelpers.NewRootCA(t, "SPIRE Root")
	intermediate := root.Issue(t, testhelpers.CertOptions{CommonName: "SPIRE Intermediate", IsCA: true})
	leaf := intermediate.Issue(t, testhelpers.CertOptions{URIs: []string{"spiffe://example.org/web"}})
	return svidFixture{
		td:           spiffeid.RequireTrustDomainFromString("example.org"),
		root:         root,
		intermediate: intermediate,
		leaf:         leaf,
	}
}

func (f svidFixture) context(t *testing.T) *workloadapi.X509Context {
	t.Helper()
	id, err := spiffeid.FromString("spiffe://example.org/web")
	require.NoError(t, err)
	return &workloadapi.X509Context{
		SVIDs: []*x509svid.SVID{{
			ID:           id,
			Certificates: []*x509.Certificate{f.leaf.Cert, f.intermediate.Cert},
			PrivateKey:   f.leaf.Key,
		}},
		Bundles: x509bundle.NewSet(x509bundle.FromX509Authorities(f.td, []*x509.Certificate{f.root.Cert})),
	}
}

func newSource(t *testing.T, api *fakeWorkloadAPI) *spiffesource.Source {
	t.Helper()
	src := spiffesource.New("workload", "/tmp/agent.sock", spiffesource.WithDialer(
		func(context.Context, string) (spiffesource.Watcher, error) { return api, nil },
	))
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestNew_NormalizesSocket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		socket string
		want   string
	}{
		{"/tmp/agent.sock", "unix:///tmp/agent.sock"},
		{"unix:///run/spire/api.sock", "unix:///run/spire/api.sock"},
		{"tcp://agent:8081", "tcp://agent:8081"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, spiffesource.New("", tt.socket).Addr(), tt.socket)
	}
	assert.Equal(t, "spiffe", spiffesource.New("", "").Name())
	assert.Equal(t, ports.SourceKindSPIFFE, spiffesource.New("", "").Kind())
}

func TestDeltaFromContext_PairsSVID(t *testing.T) {
	t.Parallel()

	f := newSVIDFixture(t)
	d := spiffesource.DeltaFromContext(f.context(t))

	require.True(t, d.Paired)
	require.Empty(t, d.Dropped)
	require.Len(t, d.Identities, 1)

	id := d.Identities[0]
	assert.Equal(t, "spiffe://example.org/web", id.ServerName())
	assert.Equal(t, f.root.Cert.Raw, id.CA().Raw)
	require.Len(t, id.Intermediates(), 1)
	assert.Equal(t, f.intermediate.Cert.Raw, id.Intermediates()[0].Raw)

	assert.Equal(t, [][]byte{f.leaf.Cert.Raw, f.intermediate.Cert.Raw, f.root.Cert.Raw}, d.Objects.Certificates())
	assert.Len(t, d.Objects.PKCS8Keys(), 1)
}

func TestDeltaFromContext_DropsUnpairable(t *testing.T) {
	t.Parallel()

	f := newSVIDFixture(t)
	stranger := testhelpers.NewRootCA(t, "Someone Else")

	noAuthority := f.context(t)
	noAuthority.Bundles = x509bundle.NewSet(x509bundle.FromX509Authorities(f.td, []*x509.Certificate{stranger.Cert}))

	noBundle := f.context(t)
	noBundle.Bundles = x509bundle.NewSet()

	wrongKey := f.context(t)
	wrongKey.SVIDs[0].PrivateKey = f.intermediate.Key

	tests := []struct {
		name    string
		ctx     *workloadapi.X509Context
		wantErr error
	}{
		{name: "no issuing authority", ctx: noAuthority, wantErr: domain.ErrNoChainPath},
		{name: "no bundle", ctx: noBundle},
		{name: "key does not match", ctx: wrongKey, wantErr: domain.ErrKeyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := spiffesource.DeltaFromContext(tt.ctx)
			assert.Empty(t, d.Identities)
			require.Len(t, d.Dropped, 1)
			if tt.wantErr != nil {
				assert.ErrorIs(t, d.Dropped[0], tt.wantErr)
			}
		})
	}
}

func TestSource_StreamDrivesWaitAndRetrieve(t *testing.T) {
	t.Parallel()

	api := newFakeWorkloadAPI()
	src := newSource(t, api)
	f := newSVIDFixture(t)

	_, err := src.Retrieve(context.Background())
	assert.ErrorIs(t, err, spiffesource.ErrNoContext)
	assert.ErrorIs(t, err, ports.ErrSourceRetrieval)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	waitErr := make(chan error, 1)
	go func() { waitErr <- src.Wait(ctx) }()

	w := <-api.watchers
	w.OnX509ContextUpdate(f.context(t))
	require.NoError(t, <-waitErr)

	d, err := src.Retrieve(ctx)
	require.NoError(t, err)
	require.Len(t, d.Identities, 1)

	bundle, err := src.GetX509BundleForTrustDomain(f.td)
	require.NoError(t, err)
	assert.Len(t, bundle.X509Authorities(), 1)

	w.OnX509ContextWatchError(errors.New("agent restarting"))
	err = src.Wait(ctx)
	assert.ErrorIs(t, err, ports.ErrSourceRetrieval)
	assert.False(t, ports.IsFatal(err))
}

func TestSource_RedialsAfterStreamEnds(t *testing.T) {
	t.Parallel()

	api := newFakeWorkloadAPI()
	src := newSource(t, api)
	f := newSVIDFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		<-api.watchers
		api.end <- errors.New("permission denied")
	}()
	err := src.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrSourceRetrieval)

	waitErr := make(chan error, 1)
	go func() { waitErr <- src.Wait(ctx) }()
	w := <-api.watchers
	w.OnX509ContextUpdate(f.context(t))
	require.NoError(t, <-waitErr)
	assert.Equal(t, 1, api.closeCount(), "the ended stream's client is closed")
}

func TestSource_CloseStopsStream(t *testing.T) {
	t.Parallel()

	api := newFakeWorkloadAPI()
	src := newSource(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	waitErr := make(chan error, 1)
	go func() { waitErr <- src.Wait(ctx) }()
	<-api.watchers

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.ErrorIs(t, <-waitErr, spiffesource.ErrClosed)
	assert.Equal(t, 1, api.closeCount())
}

func TestSource_DialFailureIsRetryable(t *testing.T) {
	t.Parallel()

	src := spiffesource.New("workload", "", spiffesource.WithDialer(
		func(context.Context, string) (spiffesource.Watcher, error) { return nil, errors.New("no such socket") },
	))
	err := src.Wait(context.Background())
	assert.ErrorIs(t, err, ports.ErrSourceRetrieval)
}
