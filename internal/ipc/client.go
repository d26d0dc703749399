package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Client errors.
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is an ErrorResponse surfaced on the client side.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns client defaults for the given socket path.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Client is a synchronous IPC client. Requests are serialized over one
// connection; each Call blocks until its response arrives.
type Client struct {
	cfg ClientConfig

	mu        sync.Mutex
	conn      net.Conn
	nextReqID atomic.Uint32
}

// NewClient creates a client. Connect must be called before requests.
func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg}
}

// Connect dials the daemon socket.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, c.cfg.ConnectTimeout)
	if err != nil {
		if _, statErr := os.Stat(c.cfg.SocketPath); os.IsNotExist(statErr) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("dial %s: %w", c.cfg.SocketPath, err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call sends a request of msgType with the encoded req payload and decodes
// the response into resp. A nil req sends an empty payload; a nil resp
// discards the response body. An MsgError reply becomes a *RemoteError.
func (c *Client) Call(msgType MessageType, req, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	var payload []byte
	if req != nil {
		var err error
		payload, err = Encode(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, payload)

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := msg.Write(c.conn); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		reply, err := ReadMessage(c.conn)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		// Unsolicited frames (server pings) are skipped; responses carry the
		// request ID they answer.
		if reply.Header.RequestID != reqID {
			continue
		}

		if reply.Header.Type == MsgError {
			var er ErrorResponse
			if err := Decode(reply.Payload, &er); err != nil {
				return fmt.Errorf("decode error response: %w", err)
			}
			return &RemoteError{Code: er.Code, Message: er.Message}
		}

		if resp != nil {
			if err := Decode(reply.Payload, resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	return c.Call(MsgPing, nil, nil)
}

// Status fetches daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.Call(MsgStatus, &StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendTranscription feeds a fragment into the daemon's session buffer.
func (c *Client) SendTranscription(text string) (*TranscriptionResponse, error) {
	var resp TranscriptionResponse
	if err := c.Call(MsgTranscription, &TranscriptionRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Flush forces buffered text out immediately.
func (c *Client) Flush() (*InjectResult, error) {
	var resp InjectResult
	if err := c.Call(MsgFlush, &FlushRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Inject injects text directly, bypassing the session buffer.
func (c *Client) Inject(text string) (*InjectResult, error) {
	var resp InjectResult
	if err := c.Call(MsgInject, &InjectRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats fetches attempt statistics.
func (c *Client) Stats(sinceHours int) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.Call(MsgStats, &StatsRequest{SinceHours: sinceHours}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload() (*ReloadResponse, error) {
	var resp ReloadResponse
	if err := c.Call(MsgReload, &ReloadRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown() error {
	var resp ShutdownResponse
	return c.Call(MsgShutdown, nil, &resp)
}
