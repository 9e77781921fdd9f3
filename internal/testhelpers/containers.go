//go:build container

package testhelpers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	spireServerImage = "ghcr.io/spiffe/spire-server:1.11"
	spireAgentImage  = "ghcr.io/spiffe/spire-agent:1.11"
)

// SPIRE is a SPIRE server and agent running in Docker, with the agent's
// Workload API socket bind-mounted onto the host.
type SPIRE struct {
	// SocketPath is the host path of the Workload API socket.
	SocketPath string

	// TrustDomain is the trust domain the server issues for.
	TrustDomain string

	server  testcontainers.Container
	agent   testcontainers.Container
	network *testcontainers.DockerNetwork
}

// StartSPIRE starts a server, attests an agent with a join token and
// registers workloadPath for the agent's unix:uid:0 selector. Everything is
// torn down with t.Cleanup.
//
// Requires a reachable Docker daemon.
func StartSPIRE(t *testing.T, workloadPath string) *SPIRE {
	t.Helper()
	if testing.Short() {
		t.Skip("container test skipped in short mode")
	}

	ctx := context.Background()
	nw, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           fmt.Sprintf("pkiwatch-spire-%d", time.Now().UnixNano()),
			CheckDuplicate: true,
		},
	})
	if err != nil {
		t.Fatalf("create docker network: %v", err)
	}

	s := &SPIRE{TrustDomain: "example.org", network: nw.(*testcontainers.DockerNetwork)}
	t.Cleanup(func() { s.terminate(t) })

	s.server = s.start(ctx, t, testcontainers.ContainerRequest{
		Image:          spireServerImage,
		ExposedPorts:   []string{"8081/tcp"},
		Networks:       []string{s.network.Name},
		NetworkAliases: map[string][]string{s.network.Name: {"spire-server"}},
		WaitingFor:     wait.ForLog("Starting Server APIs").WithStartupTimeout(60 * time.Second),
		Cmd:            []string{"-config", "/opt/spire/conf/server/server.conf"},
		Files: []testcontainers.ContainerFile{{
			ContainerFilePath: "/opt/spire/conf/server/server.conf",
			FileMode:          0o600,
			Reader:            strings.NewReader(s.serverConfig()),
		}},
	})

	agentID := "spiffe://" + s.TrustDomain + "/agent"
	token := tokenFrom(t, s.exec(ctx, t, "token", "generate", "-spiffeID", agentID))

	socketDir := filepath.Join(t.TempDir(), "spire-agent")
	s.agent = s.start(ctx, t, testcontainers.ContainerRequest{
		Image:          spireAgentImage,
		Networks:       []string{s.network.Name},
		NetworkAliases: map[string][]string{s.network.Name: {"spire-agent"}},
		WaitingFor:     wait.ForLog("Starting Workload API").WithStartupTimeout(60 * time.Second),
		Cmd:            []string{"-config", "/opt/spire/conf/agent/agent.conf", "-joinToken", token},
		Files: []testcontainers.ContainerFile{{
			ContainerFilePath: "/opt/spire/conf/agent/agent.conf",
			FileMode:          0o600,
			Reader:            strings.NewReader(s.agentConfig()),
		}},
		Mounts: testcontainers.Mounts(testcontainers.BindMount(socketDir, "/tmp/spire-agent/public")),
	})
	s.SocketPath = filepath.Join(socketDir, "api.sock")
	waitForFile(t, s.SocketPath, 30*time.Second)

	s.exec(ctx, t, "entry", "create",
		"-spiffeID", "spiffe://"+s.TrustDomain+workloadPath,
		"-parentID", agentID,
		"-selector", "unix:uid:0")
	return s
}

func (s *SPIRE) start(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("start %s: %v", req.Image, err)
	}
	return c
}

// exec runs spire-server with args and returns its output.
func (s *SPIRE) exec(ctx context.Context, t *testing.T, args ...string) string {
	t.Helper()
	code, r, err := s.server.Exec(ctx, append([]string{"/opt/spire/bin/spire-server"}, args...))
	if err != nil {
		t.Fatalf("spire-server %s: %v", args[0], err)
	}
	var out bytes.Buffer
	_, _ = io.Copy(&out, r)
	if code != 0 {
		t.Fatalf("spire-server %s: exit %d: %s", args[0], code, out.String())
	}
	return out.String()
}

func (s *SPIRE) terminate(t *testing.T) {
	ctx := context.Background()
	for _, c := range []testcontainers.Container{s.agent, s.server} {
		if c == nil {
			continue
		}
		if err := c.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}
	if err := s.network.Remove(ctx); err != nil {
		t.Logf("remove network: %v", err)
	}
}

func (s *SPIRE) serverConfig() string {
	return `
server {
    bind_address = "0.0.0.0"
    bind_port = "8081"
    trust_domain = "` + s.TrustDomain + `"
    data_dir = "/opt/spire/data/server"
    log_level = "INFO"
}

plugins {
    DataStore "sql" {
        plugin_data {
            database_type = "sqlite3"
            connection_string = "/opt/spire/data/server/datastore.sqlite3"
        }
    }
    KeyManager "memory" { plugin_data {} }
    NodeAttestor "join_token" { plugin_data {} }
}
`
}

func (s *SPIRE) agentConfig() string {
	return `
agent {
    data_dir = "/opt/spire/data/agent"
    log_level = "INFO"
    trust_domain = "` + s.TrustDomain + `"
    server_address = "spire-server"
    server_port = "8081"
    insecure_bootstrap = true
}

plugins {
    KeyManager "memory" { plugin_data {} }
    NodeAttestor "join_token" { plugin_data {} }
    WorkloadAttestor "unix" { plugin_data {} }
}
`
}

// tokenFrom extracts the join token from "Token: <token>" output.
func tokenFrom(t *testing.T, output string) string {
	t.Helper()
	for _, line := range strings.Split(output, "\n") {
		if token, ok := strings.CutPrefix(strings.TrimSpace(line), "Token: "); ok && token != "" {
			return token
		}
	}
	t.Fatalf("no join token in output: %s", output)
	return ""
}

func waitForFile(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}
