package pkiwatch_test

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sufield/pkiwatch"
	"github.com/sufield/pkiwatch/internal/logging"
	"github.com/sufield/pkiwatch/internal/testhelpers"
	"github.com/sufield/pkiwatch/internal/validation"
)

func writeBundle(t *testing.T, dir string, docs ...[]byte) string {
	t.Helper()
	path := filepath.Join(dir, "bundle.pem")
	require.NoError(t, os.WriteFile(path, testhelpers.Concat(docs...), 0o600))
	return path
}

func fileConfig(path string) pkiwatch.Config {
	cfg := pkiwatch.DefaultConfig()
	cfg.Sources.File = &pkiwatch.FileSection{Path: path}
	cfg.HTTP.ListenAddr = ""
	return cfg
}

// run starts w and stops it when the test ends.
func run(t *testing.T, w *pkiwatch.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	require.Eventually(t, w.Ready, 10*time.Second, 10*time.Millisecond)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := pkiwatch.New(pkiwatch.DefaultConfig(), pkiwatch.WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of sources")

	cfg := fileConfig(filepath.Join(t.TempDir(), "bundle.pem"))
	cfg.Validation.ValidateChain = true
	cfg.Validation.RootsFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = pkiwatch.New(cfg, pkiwatch.WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation.roots_file")
}

func TestStart_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configPath string
	}{
		{name: "non-existent config file", configPath: "/nonexistent/pkiwatch.yaml"},
		{name: "empty config path", configPath: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, shutdown, err := pkiwatch.Start(tt.configPath)
			assert.Error(t, err)
			assert.Nil(t, shutdown)
		})
	}
}

func TestWatcher_ServesFileIdentity(t *testing.T) {
	t.Parallel()

	ca := testhelpers.NewRootCA(t, "Test Root")
	leaf := ca.Issue(t, testhelpers.CertOptions{CommonName: "web.example.com", DNSNames: []string{"web.example.com"}})
	dir := t.TempDir()
	path := writeBundle(t, dir, leaf.CertPEM(), leaf.KeyPEM(t, testhelpers.PKCS8), ca.CertPEM())

	roots := filepath.Join(dir, "roots.pem")
	require.NoError(t, os.WriteFile(roots, ca.CertPEM(), 0o600))

	cfg := fileConfig(path)
	cfg.Validation.ValidateChain = true
	cfg.Validation.RootsFile = roots

	w, err := pkiwatch.New(cfg, pkiwatch.WithLogger(logging.Discard()))
	require.NoError(t, err)

	var versions atomic.Uint64
	w.Subscribe(func(v uint64) { versions.Store(v) })
	run(t, w)

	id, ok := w.Identity("WEB.example.com.")
	require.True(t, ok, "lookup normalises DNS names")
	assert.True(t, id.Valid)
	assert.NoError(t, id.Failure)
	assert.True(t, id.Leaf.Equal(leaf.Cert))
	assert.True(t, id.CA.Equal(ca.Cert))
	assert.Empty(t, id.Intermediates)

	cert, err := w.GetCertificate(&tls.ClientHelloInfo{ServerName: "web.example.com"})
	require.NoError(t, err)
	assert.Equal(t, leaf.Cert.Raw, cert.Certificate[0])

	cert, err = w.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err, "the only identity answers a ClientHello without SNI")
	assert.Equal(t, leaf.Cert.Raw, cert.Certificate[0])

	_, err = w.GetCertificate(&tls.ClientHelloInfo{ServerName: "other.example.com"})
	assert.ErrorIs(t, err, pkiwatch.ErrNoCertificate)

	states := w.States()
	require.Len(t, states, 1)
	assert.Equal(t, "file", states[0].Name)
	assert.Equal(t, "file", states[0].Kind)
	assert.True(t, states[0].Ready)
	assert.Equal(t, uint64(1), states[0].Merges)

	assert.Equal(t, uint64(1), w.Version())
	assert.Eventually(t, func() bool { return versions.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `pkiwatch_merges_total{source="file"} 1`)
}

func TestWatcher_FlagsInvalidIdentity(t *testing.T) {
	t.Parallel()

	ca := testhelpers.NewRootCA(t, "Test Root")
	expired := ca.Issue(t, testhelpers.CertOptions{
		CommonName: "old.example.com",
		NotBefore:  time.Now().Add(-48 * time.Hour),
		NotAfter:   time.Now().Add(-24 * time.Hour),
	})
	path := writeBundle(t, t.TempDir(), expired.CertPEM(), expired.KeyPEM(t, testhelpers.SEC1), ca.CertPEM())

	w, err := pkiwatch.New(fileConfig(path), pkiwatch.WithLogger(logging.Discard()))
	require.NoError(t, err)
	run(t, w)

	ids := w.Identities()
	require.Len(t, ids, 1)
	assert.False(t, ids[0].Valid)
	var failure *validation.Failure
	require.True(t, errors.As(ids[0].Failure, &failure))
	assert.Equal(t, validation.CheckExpiration, failure.Check)

	_, err = w.GetCertificate(&tls.ClientHelloInfo{ServerName: "old.example.com"})
	assert.ErrorIs(t, err, pkiwatch.ErrNoCertificate)
	_, err = w.GetCertificate(&tls.ClientHelloInfo{})
	assert.ErrorIs(t, err, pkiwatch.ErrNoCertificate)
}

func TestWatcher_MergesFileAndKubernetes(t *testing.T) {
	t.Parallel()

	ca := testhelpers.NewRootCA(t, "Test Root")
	web := ca.Issue(t, testhelpers.CertOptions{CommonName: "web.example.com", RSA: true})
	api := ca.Issue(t, testhelpers.CertOptions{CommonName: "api.example.com"})

	path := writeBundle(t, t.TempDir(), web.CertPEM(), web.KeyPEM(t, testhelpers.PKCS1), ca.CertPEM())
	client := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "api-tls", Namespace: "default"},
		Type:       corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:              api.CertPEM(),
			corev1.TLSPrivateKeyKey:        api.KeyPEM(t, testhelpers.PKCS8),
			corev1.ServiceAccountRootCAKey: ca.CertPEM(),
		},
	})

	cfg := fileConfig(path)
	cfg.Sources.Kubernetes = &pkiwatch.KubernetesSection{SecretName: "api-tls"}

	w, err := pkiwatch.New(cfg,
		pkiwatch.WithLogger(logging.Discard()),
		pkiwatch.WithKubernetesClient(client),
	)
	require.NoError(t, err)
	run(t, w)

	require.Len(t, w.Identities(), 2)
	for _, name := range []string{"web.example.com", "api.example.com"} {
		cert, err := w.GetCertificate(&tls.ClientHelloInfo{ServerName: name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cert.Leaf.Subject.CommonName)
	}

	_, err = w.GetCertificate(&tls.ClientHelloInfo{})
	assert.ErrorIs(t, err, pkiwatch.ErrNoCertificate, "no SNI is ambiguous with two identities")

	names := map[string]string{}
	for _, st := range w.States() {
		names[st.Name] = st.Kind
	}
	assert.Equal(t, map[string]string{"file": "file", "kubernetes": "kubernetes"}, names)
}

func TestWatcher_RunTwice(t *testing.T) {
	t.Parallel()

	ca := testhelpers.NewRootCA(t, "Test Root")
	path := writeBundle(t, t.TempDir(), ca.CertPEM())

	w, err := pkiwatch.New(fileConfig(path), pkiwatch.WithLogger(logging.Discard()))
	require.NoError(t, err)
	run(t, w)

	assert.ErrorIs(t, w.Run(context.Background()), pkiwatch.ErrAlreadyStarted)
}

func TestWatcher_CloseWithoutRun(t *testing.T) {
	t.Parallel()

	w, err := pkiwatch.New(fileConfig(filepath.Join(t.TempDir(), "bundle.pem")), pkiwatch.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Run(context.Background()), pkiwatch.ErrAlreadyStarted)
}

func TestStart_ServesOperatorSurface(t *testing.T) {
	ca := testhelpers.NewRootCA(t, "Test Root")
	leaf := ca.Issue(t, testhelpers.CertOptions{CommonName: "web.example.com"})
	dir := t.TempDir()
	bundle := writeBundle(t, dir, leaf.CertPEM(), leaf.KeyPEM(t, testhelpers.PKCS8), ca.CertPEM())

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	configPath := filepath.Join(dir, "pkiwatch.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
sources:
  file:
    name: bundle
    path: %s
http:
  listen_addr: %q
log:
  level: error
`, bundle, addr)), 0o600))

	w, shutdown, err := pkiwatch.Start(configPath)
	require.NoError(t, err)
	require.Eventually(t, w.Ready, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, shutdown())
	require.NoError(t, shutdown(), "shutdown is idempotent")

	_, err = http.Get("http://" + addr + "/readyz")
	assert.Error(t, err, "server stops with the watcher")
}
