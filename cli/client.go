package cli

import (
	"net"
	"os"
	"time"

	"github.com/nekocode/agent-team/config"
	"github.com/nekocode/agent-team/errors"
	"github.com/nekocode/agent-team/protocol"
)

// ProbeTimeout bounds the connect during discovery so one wedged session
// cannot stall `ls`.
const ProbeTimeout = 200 * time.Millisecond

// Send opens the session socket, writes one request, reads one reply, and
// closes. A refused connection means the supervisor is gone; its stale
// socket is reaped on the way out.
func Send(cfg *config.TeamConfig, name string, req *protocol.SessionRequest) (*protocol.SessionResponse, error) {
	return sendTimeout(cfg, name, req, 0)
}

func sendTimeout(cfg *config.TeamConfig, name string, req *protocol.SessionRequest, connectTimeout time.Duration) (*protocol.SessionResponse, error) {
	sock := cfg.SessionSocket(name)

	var conn net.Conn
	var err error
	if connectTimeout > 0 {
		conn, err = net.DialTimeout("unix", sock, connectTimeout)
	} else {
		conn, err = net.Dial("unix", sock)
	}
	if err != nil {
		// Dead supervisor, leftover socket.
		os.Remove(sock)
		return nil, errors.Wrapf(err, "cannot connect to agent '%s' (is it running?)", name)
	}
	defer conn.Close()

	writer := protocol.NewLineWriter(conn)
	reader := protocol.NewLineReader(conn)

	if err := protocol.Write(writer, req); err != nil {
		return nil, err
	}
	resp, err := protocol.Read[protocol.SessionResponse](reader)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("session closed the connection unexpectedly")
	}
	return resp, nil
}

// Probe asks a session for its status with the short discovery timeout.
func Probe(cfg *config.TeamConfig, name string) (*protocol.StatusInfo, error) {
	resp, err := sendTimeout(cfg, name, &protocol.SessionRequest{Type: protocol.ReqGetStatus}, ProbeTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, errors.New("unexpected reply from '%s': %s", name, resp.Type)
	}
	return resp.Status, nil
}

// Discover scans the socket directory and probes every session. Sessions
// that refuse the connection are reaped by the probe and reported in
// stale.
func Discover(cfg *config.TeamConfig) (alive []protocol.StatusInfo, stale []string) {
	for _, name := range cfg.ScanSessions() {
		status, err := Probe(cfg, name)
		if err != nil {
			stale = append(stale, name)
			continue
		}
		alive = append(alive, *status)
	}
	return alive, stale
}

// AwaitTerminal polls GetStatus until the session is no longer running,
// cancelling or starting, starting at 100ms and growing exponentially to a
// 2s cap. It returns the final status; waiting_permission also ends the
// wait, so the caller can surface the pending approval.
func AwaitTerminal(cfg *config.TeamConfig, name string) (*protocol.StatusInfo, error) {
	interval := 100 * time.Millisecond
	const maxInterval = 2 * time.Second

	for {
		time.Sleep(interval)
		if interval *= 2; interval > maxInterval {
			interval = maxInterval
		}

		resp, err := Send(cfg, name, &protocol.SessionRequest{Type: protocol.ReqGetStatus})
		if err != nil {
			return nil, err
		}
		if resp.Status == nil {
			continue
		}
		switch resp.Status.Status {
		case "running", "cancelling", "starting":
			continue
		default:
			return resp.Status, nil
		}
	}
}
