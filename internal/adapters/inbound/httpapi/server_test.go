package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/pkiwatch/internal/adapters/inbound/httpapi"
	"github.com/sufield/pkiwatch/internal/coordinator"
	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/logging"
	"github.com/sufield/pkiwatch/internal/metrics"
	"github.com/sufield/pkiwatch/internal/ports"
	"github.com/sufield/pkiwatch/internal/testhelpers"
	"github.com/sufield/pkiwatch/internal/validation"
)

type fakeWatcher struct {
	states []coordinator.SourceStatus
	store  *coordinator.Store
}

func (f *fakeWatcher) States() []coordinator.SourceStatus { return f.states }
func (f *fakeWatcher) Snapshot() *coordinator.Snapshot    { return f.store.Snapshot() }
func (f *fakeWatcher) Ready() bool {
	for _, st := range f.states {
		if !st.Ready() {
			return false
		}
	}
	return true
}

func identity(t *testing.T, ca *testhelpers.Issued, cn string) *domain.Identity {
	t.Helper()
	leaf := ca.Issue(t, testhelpers.CertOptions{CommonName: cn})
	id, err := domain.NewIdentity(leaf.Cert, leaf.GenericKey(t), nil, ca.Cert)
	require.NoError(t, err)
	return id
}

func newWatcher(t *testing.T) *fakeWatcher {
	t.Helper()
	ca := testhelpers.NewRootCA(t, "Test Root")
	good := identity(t, ca, "good.example.com")
	bad := identity(t, ca, "bad.example.com")

	store := coordinator.NewStore()
	store.Apply(coordinator.Update{
		Source:     "bundle",
		Objects:    domain.NewPkiObjectSet(),
		Identities: []*domain.Identity{good, bad},
		Verdicts: map[string]error{
			"good.example.com": nil,
			"bad.example.com":  &validation.Failure{Check: validation.CheckDomain, ServerName: "bad.example.com", Err: validation.ErrDomainMismatch},
		},
	})

	return &fakeWatcher{
		store: store,
		states: []coordinator.SourceStatus{
			{Name: "bundle", Kind: ports.SourceKindFile, State: coordinator.StateIdle, Merges: 1, LastMerge: time.Now()},
			{Name: "cluster", Kind: ports.SourceKindKubernetes, State: coordinator.StateFailedRetryable, LastError: "api server down", Failures: 3},
		},
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestRouter_Healthz(t *testing.T) {
	t.Parallel()

	rec := get(t, httpapi.NewRouter(newWatcher(t), nil, logging.Discard()), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestRouter_Readyz(t *testing.T) {
	t.Parallel()

	w := newWatcher(t)
	h := httpapi.NewRouter(w, nil, logging.Discard())

	rec := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Ready   bool     `json:"ready"`
		Waiting []string `json:"waiting"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, []string{"cluster"}, body.Waiting)

	w.states = w.states[:1]
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
}

func TestRouter_Sources(t *testing.T) {
	t.Parallel()

	rec := get(t, httpapi.NewRouter(newWatcher(t), nil, logging.Discard()), "/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var views []httpapi.SourceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)

	assert.Equal(t, "bundle", views[0].Name)
	assert.Equal(t, "file", views[0].Kind)
	assert.Equal(t, "idle", views[0].State)
	assert.True(t, views[0].Ready)
	assert.NotNil(t, views[0].LastMerge)

	assert.Equal(t, "failed_retryable", views[1].State)
	assert.Equal(t, "api server down", views[1].LastError)
	assert.Nil(t, views[1].LastMerge)
	assert.Equal(t, uint64(3), views[1].Failures)
}

func TestRouter_Identities(t *testing.T) {
	t.Parallel()

	h := httpapi.NewRouter(newWatcher(t), nil, logging.Discard())

	rec := get(t, h, "/identities")
	require.Equal(t, http.StatusOK, rec.Code)
	var all httpapi.IdentitiesView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, uint64(1), all.Version)
	require.Len(t, all.Identities, 2)

	byName := map[string]httpapi.IdentityView{}
	for _, v := range all.Identities {
		byName[v.ServerName] = v
	}
	assert.True(t, byName["good.example.com"].Valid)
	assert.Empty(t, byName["good.example.com"].Failure)
	assert.Equal(t, 2, byName["good.example.com"].ChainLength)
	assert.False(t, byName["bad.example.com"].Valid)
	assert.Contains(t, byName["bad.example.com"].Failure, "domain")

	rec = get(t, h, "/identities?server_name="+url.QueryEscape("good.example.com"))
	require.Equal(t, http.StatusOK, rec.Code)
	var one httpapi.IdentityView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "good.example.com", one.ServerName)

	for _, name := range []string{"GOOD.example.com", "good.example.com."} {
		rec = get(t, h, "/identities?server_name="+url.QueryEscape(name))
		require.Equal(t, http.StatusOK, rec.Code, name)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
		assert.Equal(t, "good.example.com", one.ServerName)
		assert.True(t, one.Valid)
	}

	assert.Equal(t, http.StatusNotFound, get(t, h, "/identities?server_name=nope").Code)
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Merge("bundle")

	h := httpapi.NewRouter(newWatcher(t), reg, logging.Discard())
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pkiwatch_merges_total{source="bundle"} 1`)

	assert.Equal(t, http.StatusNotFound, get(t, httpapi.NewRouter(newWatcher(t), nil, nil), "/metrics").Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	_, err := httpapi.NewServer("", http.NotFoundHandler(), nil)
	require.Error(t, err)

	srv, err := httpapi.NewServer("127.0.0.1:0", httpapi.NewRouter(newWatcher(t), nil, logging.Discard()), logging.Discard())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = http.Get("http://" + ln.Addr().String() + "/healthz")
	assert.Error(t, err, "listener is closed after shutdown")
}
