// Package portal implements the host-side half of the vsock command
// channel to a sandbox's in-guest agent: dialing the Cloud Hypervisor
// vsock Unix socket, performing its CONNECT handshake, and exchanging a
// JSON envelope for execute_code/execute_command. Grounded on the
// teacher's Cloud Hypervisor vsock dialer (handshake) and its builder
// vsock handler (JSON envelope over the connection).
package portal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// AgentPort is the vsock port the in-guest execution agent listens on.
const AgentPort = 7000

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 5 * time.Second
)

// Endpoint identifies how to reach a sandbox's vsock device: either a Unix
// socket exposing Cloud Hypervisor's text handshake (SocketPath set), or a
// real AF_VSOCK context id for hypervisors that expose vsock directly
// (CID set). Exactly one should be non-zero/non-empty.
type Endpoint struct {
	SocketPath string
	CID        uint32
}

// DialEndpoint reaches ep on port, picking the Unix-socket handshake path
// or a direct AF_VSOCK dial depending on which field of ep is set.
func DialEndpoint(ctx context.Context, ep Endpoint, port int) (net.Conn, error) {
	if ep.SocketPath != "" {
		return Dial(ctx, ep.SocketPath, port)
	}
	return dialVsockCID(ep.CID, port)
}

// dialVsockCID connects directly over AF_VSOCK, for runtimes that expose
// a real context id instead of Cloud Hypervisor's Unix-socket shim.
func dialVsockCID(cid uint32, port int) (net.Conn, error) {
	conn, err := vsock.Dial(cid, uint32(port), nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock cid %d port %d: %w", cid, port, err)
	}
	return conn, nil
}

// Request is the envelope sent to the in-guest agent.
type Request struct {
	Kind    string   `json:"kind"` // "execute_code" | "execute_command"
	Code    string   `json:"code,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// Response is the envelope returned by the in-guest agent.
type Response struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Dial connects to the vsock socket at path and performs Cloud
// Hypervisor's text handshake on port, returning a connection ready for
// JSON request/response exchange.
func Dial(ctx context.Context, path string, port int) (net.Conn, error) {
	dialTO := dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTO {
			dialTO = remaining
		}
	}

	dialer := net.Dialer{Timeout: dialTO}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial vsock socket %s: %w", path, err)
	}

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send vsock handshake: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read vsock handshake response (is the in-guest agent running?): %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock handshake failed: %s", response)
	}

	return &bufferedConn{Conn: conn, reader: reader}, nil
}

// bufferedConn preserves bytes read into the handshake's bufio.Reader
// rather than dropping them on a second, unbuffered Read.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.reader.Read(p) }

// Exchange sends req over conn and waits for one Response, honoring ctx's
// deadline. Used for both execute_code and execute_command, which differ
// only in the Request's Kind/fields.
func Exchange(ctx context.Context, conn net.Conn, req Request) (Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return Response{}, fmt.Errorf("set exchange deadline: %w", err)
		}
		defer conn.SetDeadline(time.Time{}) //nolint:errcheck
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// Run dials ep, exchanges req, and closes the connection, the one-shot
// request path used by the RPC boundary for each execute_code/
// execute_command call.
func Run(ctx context.Context, ep Endpoint, req Request) (Response, error) {
	conn, err := DialEndpoint(ctx, ep, AgentPort)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()
	return Exchange(ctx, conn, req)
}
