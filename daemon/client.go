package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// defaultCallTimeout bounds one client call when no deadline is set.
const defaultCallTimeout = 35 * time.Minute

// Client speaks the newline-JSON protocol over a unix or TCP
// connection. Calls are serialized; correlation ids match replies to
// requests so stale frames from timed-out calls are discarded.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout sets the per-call deadline.
func WithCallTimeout(t time.Duration) ClientOption {
	return func(c *Client) { c.timeout = t }
}

// Dial connects to a daemon over the given network ("unix" or "tcp").
func Dial(network, addr string, opts ...ClientOption) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		timeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect resolves a daemon by name: the unix socket first, then the
// TCP sidecar.
func Connect(name string, opts ...ClientOption) (*Client, error) {
	if c, err := Dial("unix", SocketPath(name), opts...); err == nil {
		return c, nil
	}
	if addr := TCPAddr(name); addr != "" {
		return Dial("tcp", addr, opts...)
	}
	return nil, fmt.Errorf("daemon %q is not reachable", name)
}

// Call sends one request and waits for its correlated reply.
func (c *Client) Call(cmdType string, params map[string]any) (Response, error) {
	req := Request{ID: uuid.NewString(), Type: cmdType, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, err
	}
	if _, err := c.conn.Write(append(body, '\n')); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return Response{}, fmt.Errorf("decode response: %w", err)
		}
		if resp.ID != req.ID {
			// Stale reply from an earlier, timed-out call.
			continue
		}
		return resp, nil
	}
}

// ExecuteInput runs EXECUTE_INPUT and verifies the response was
// serviced by the requested node, rejecting mismatched correlations.
func (c *Client) ExecuteInput(nodeID string, input any, params map[string]any) (Response, error) {
	if params == nil {
		params = make(map[string]any)
	}
	params["node_id"] = nodeID
	params["input"] = input
	resp, err := c.Call(CmdExecuteInput, params)
	if err != nil {
		return resp, err
	}
	if got, ok := resp.Data["node_id"].(string); ok && got != nodeID {
		return resp, fmt.Errorf("response node_id %q does not match request %q", got, nodeID)
	}
	return resp, nil
}

// Ping returns registry counts, or an error when the daemon is down.
func (c *Client) Ping() (map[string]any, error) {
	resp, err := c.Call(CmdPing, nil)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("ping: %s", resp.Error)
	}
	return resp.Data, nil
}

// Stop asks the daemon to shut down gracefully.
func (c *Client) Stop() error {
	resp, err := c.Call(CmdStop, nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("stop: %s", resp.Error)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }
