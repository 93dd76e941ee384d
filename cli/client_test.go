package cli

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekocode/agent-team/config"
	"github.com/nekocode/agent-team/protocol"
)

func testConfig(t *testing.T) *config.TeamConfig {
	t.Helper()
	cfg := config.Default()
	cfg.SocketDir = t.TempDir()
	require.NoError(t, cfg.EnsureSocketDir())
	return cfg
}

// fakeSession answers each connection with the scripted response until the
// listener closes.
func fakeSession(t *testing.T, cfg *config.TeamConfig, name string, respond func(*protocol.SessionRequest) *protocol.SessionResponse) {
	t.Helper()
	listener, err := net.Listen("unix", cfg.SessionSocket(name))
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := protocol.NewLineReader(conn)
				writer := protocol.NewLineWriter(conn)
				req, err := protocol.Read[protocol.SessionRequest](reader)
				if err != nil || req == nil {
					return
				}
				_ = protocol.Write(writer, respond(req))
			}(conn)
		}
	}()
}

func TestSendRoundtrip(t *testing.T) {
	cfg := testConfig(t)
	fakeSession(t, cfg, "fake-1", func(req *protocol.SessionRequest) *protocol.SessionResponse {
		assert.Equal(t, protocol.ReqCancel, req.Type)
		return protocol.Ok("Cancel sent")
	})

	resp, err := Send(cfg, "fake-1", &protocol.SessionRequest{Type: protocol.ReqCancel})
	require.NoError(t, err)
	assert.Equal(t, "Cancel sent", resp.Message)
}

func TestSendUnreachableReapsSocket(t *testing.T) {
	cfg := testConfig(t)
	sock := cfg.SessionSocket("gone-1")
	require.NoError(t, os.WriteFile(sock, nil, 0o600))

	_, err := Send(cfg, "gone-1", &protocol.SessionRequest{Type: protocol.ReqGetStatus})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone-1")

	_, statErr := os.Stat(sock)
	assert.True(t, os.IsNotExist(statErr))
}

func TestProbeReturnsStatus(t *testing.T) {
	cfg := testConfig(t)
	fakeSession(t, cfg, "fake-2", func(req *protocol.SessionRequest) *protocol.SessionResponse {
		return &protocol.SessionResponse{
			Type:   "Status",
			Status: &protocol.StatusInfo{Name: "fake-2", Type: "mock", Status: "idle"},
		}
	})

	status, err := Probe(cfg, "fake-2")
	require.NoError(t, err)
	assert.Equal(t, "fake-2", status.Name)
	assert.Equal(t, "idle", status.Status)
}

func TestDiscoverMixesAliveAndStale(t *testing.T) {
	cfg := testConfig(t)
	fakeSession(t, cfg, "alive-1", func(req *protocol.SessionRequest) *protocol.SessionResponse {
		return &protocol.SessionResponse{
			Type:   "Status",
			Status: &protocol.StatusInfo{Name: "alive-1", Type: "mock", Status: "idle"},
		}
	})
	require.NoError(t, os.WriteFile(cfg.SessionSocket("dead-1"), nil, 0o600))

	alive, stale := Discover(cfg)
	require.Len(t, alive, 1)
	assert.Equal(t, "alive-1", alive[0].Name)
	assert.Equal(t, []string{"dead-1"}, stale)
}

func TestAwaitTerminalPollsUntilIdle(t *testing.T) {
	cfg := testConfig(t)

	polls := 0
	fakeSession(t, cfg, "poll-1", func(req *protocol.SessionRequest) *protocol.SessionResponse {
		polls++
		status := "running"
		if polls >= 3 {
			status = "idle"
		}
		return &protocol.SessionResponse{
			Type:   "Status",
			Status: &protocol.StatusInfo{Name: "poll-1", Type: "mock", Status: status},
		}
	})

	start := time.Now()
	status, err := AwaitTerminal(cfg, "poll-1")
	require.NoError(t, err)
	assert.Equal(t, "idle", status.Status)
	assert.GreaterOrEqual(t, polls, 3)
	// First two polls at 100ms + 200ms backoff at minimum.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestResolveAttachments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("notes"), 0o644))

	// Plain path.
	atts, err := resolveAttachments([]string{filepath.Join(dir, "notes.txt")})
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.True(t, filepath.IsAbs(atts[0].Path))
	assert.Equal(t, "notes", atts[0].Content)

	// Glob pattern.
	atts, err = resolveAttachments([]string{filepath.Join(dir, "*.go")})
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, "package a", atts[0].Content)
	assert.Equal(t, "package b", atts[1].Content)

	// No matches.
	_, err = resolveAttachments([]string{filepath.Join(dir, "*.rs")})
	require.Error(t, err)

	// Missing plain file.
	_, err = resolveAttachments([]string{filepath.Join(dir, "missing.txt")})
	require.Error(t, err)
}
