package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/pkiwatch/internal/testhelpers"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd(VersionInfo{Version: "1.2.3", Commit: "abc123", Date: "2026-01-01"})
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, dir, name string, data ...[]byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, testhelpers.Concat(data...), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "pkiwatch 1.2.3 (commit: abc123, built: 2026-01-01)\n", out)

	out, _, err = execute(t, "version", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "Component")
	assert.Contains(t, out, "go")
}

func TestHelp(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"run", "inspect", "validate-config", "version"} {
		assert.Contains(t, out, name)
	}
}

func TestInspect_SplitFiles(t *testing.T) {
	t.Parallel()

	ca := testhelpers.NewRootCA(t, "Test Root")
	leaf := ca.Issue(t, testhelpers.CertOptions{CommonName: "web.example.com", DNSNames: []string{"web.example.com"}})
	dir := t.TempDir()
	crt := writeFile(t, dir, "tls.crt", leaf.CertPEM())
	key := writeFile(t, dir, "tls.key", leaf.KeyPEM(t, testhelpers.PKCS8))
	caFile := writeFile(t, dir, "ca.crt", ca.CertPEM())

	out, stderr, err := execute(t, "inspect", crt, key, caFile, "--chain", "--roots", caFile, "--domain", "web.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "certificate")
	assert.Contains(t, out, "pkcs8-key")
	assert.Contains(t, out, "web.example.com")
	assert.Contains(t, out, "✓ valid")
	assert.Empty(t, stderr)
}

func TestInspect_JSONReportsFailures(t *testing.T) {
	t.Parallel()

	ca := testhelpers.NewRootCA(t, "Test Root")
	expired := ca.Issue(t, testhelpers.CertOptions{
		CommonName: "old.example.com",
		NotBefore:  time.Now().Add(-48 * time.Hour),
		NotAfter:   time.Now().Add(-time.Hour),
	})
	orphan := testhelpers.NewRootCA(t, "Other Root").Issue(t, testhelpers.CertOptions{CommonName: "orphan.example.com"})
	bundle := writeFile(t, t.TempDir(), "bundle.pem",
		expired.CertPEM(), expired.KeyPEM(t, testhelpers.SEC1), ca.CertPEM(),
		orphan.CertPEM(), orphan.KeyPEM(t, testhelpers.PKCS8),
	)

	out, _, err := execute(t, "inspect", bundle, "-o", "json")
	require.NoError(t, err)

	var report inspectReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, map[string]int{"certificate": 3, "sec1-key": 1, "pkcs8-key": 1}, report.Objects)
	require.Len(t, report.Identities, 1)
	assert.Equal(t, "old.example.com", report.Identities[0].ServerName)
	assert.False(t, report.Identities[0].Valid)
	assert.Contains(t, report.Identities[0].Failure, "expiration")
	assert.Len(t, report.Dropped, 1, "the orphan leaf has no CA in the set")

	_, _, err = execute(t, "inspect", bundle, "--strict")
	assert.ErrorIs(t, err, ErrInvalidIdentities)
}

func TestInspect_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.pem", []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))

	tests := []struct {
		name string
		args []string
	}{
		{name: "no files", args: []string{"inspect"}},
		{name: "missing file", args: []string{"inspect", filepath.Join(dir, "missing.pem")}},
		{name: "malformed body", args: []string{"inspect", bad}},
		{name: "bad output", args: []string{"inspect", bad, "-o", "yaml"}},
		{name: "wildcard domain", args: []string{"inspect", bad, "--domain", "*.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}

	out, stderr, err := execute(t, "inspect", bad, "--lenient")
	require.NoError(t, err)
	assert.Contains(t, out, "No identities")
	assert.Contains(t, stderr, "skipped")
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	valid := writeFile(t, dir, "pkiwatch.yaml", []byte(`
sources:
  file:
    path: /etc/tls/bundle.pem
  kubernetes:
    secret_name: web-tls
validation:
  validate_domain: true
  domain: example.com
http:
  listen_addr: ""
`))

	out, _, err := execute(t, "validate-config", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Valid configuration")
	assert.Contains(t, out, "/etc/tls/bundle.pem")
	assert.Contains(t, out, "default/web-tls [tls.crt,tls.key,ca.crt?]")
	assert.Contains(t, out, "example.com")
	assert.Contains(t, out, "disabled")

	invalid := writeFile(t, dir, "invalid.yaml", []byte("log:\n  level: loud\n"))
	_, _, err = execute(t, "validate-config", invalid)
	assert.Error(t, err)

	_, _, err = execute(t, "validate-config")
	assert.Error(t, err)
}

func TestLoadRunConfig(t *testing.T) {
	t.Parallel()

	_, err := loadRunConfig(filepath.Join(t.TempDir(), "missing.yaml"), true)
	assert.Error(t, err, "an explicit config must exist")

	path := writeFile(t, t.TempDir(), "pkiwatch.yaml", []byte("sources:\n  spiffe: {}\n"))
	cfg, err := loadRunConfig(path, false)
	require.NoError(t, err)
	require.NotNil(t, cfg.Sources.SPIFFE)
	assert.Equal(t, "spiffe", cfg.Sources.SPIFFE.Name)
}
