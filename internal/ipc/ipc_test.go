package ipc

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&TranscriptionRequest{Text: "hello there"})
	require.NoError(t, err)

	msg := NewMessage(MsgTranscription, 42, payload)

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))

	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTranscription, decoded.Header.Type)
	assert.Equal(t, uint32(42), decoded.Header.RequestID)

	var req TranscriptionRequest
	require.NoError(t, Decode(decoded.Payload, &req))
	assert.Equal(t, "hello there", req.Text)
}

func TestReadMessageRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0xde
	buf[1] = 0xad

	_, err := ReadMessage(bytes.NewReader(buf))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	msg := NewMessage(MsgPing, 1, nil)
	msg.Header.Length = maxPayload + 1

	var buf bytes.Buffer
	require.NoError(t, msg.Header.Write(&buf))

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func startTestServer(t *testing.T, handler Handler) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "injectd.sock")

	srv := NewServer(DefaultServerConfig(socketPath), handler, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	client := NewClient(DefaultClientConfig(socketPath))
	require.NoError(t, client.Connect())
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func TestPingPong(t *testing.T) {
	_, client := startTestServer(t, nil)
	require.NoError(t, client.Ping())
}

func TestRequestDispatch(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		switch msg.Header.Type {
		case MsgStatus:
			return NewResponse(MsgStatusResp, msg.Header.RequestID, &StatusResponse{
				Version:      "test",
				SessionState: "idle",
			})
		default:
			return nil, nil
		}
	})

	_, client := startTestServer(t, handler)

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "idle", status.SessionState)
}

func TestUnsupportedTypeReturnsError(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, nil
	})

	_, client := startTestServer(t, handler)

	_, err := client.Stats(0)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrCodeUnsupported, remote.Code)
}

func TestRemoteErrorSurfaced(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeNotReady, "buffer not ready"), nil
	})

	_, client := startTestServer(t, handler)

	_, err := client.Flush()
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrCodeNotReady, remote.Code)
	assert.Contains(t, remote.Message, "not ready")
}

func TestInjectRoundTrip(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		if msg.Header.Type != MsgInject {
			return nil, nil
		}
		var req InjectRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "bad payload"), nil
		}
		return NewResponse(MsgInjectResp, msg.Header.RequestID, &InjectResult{
			Success: true,
			Method:  "atspi_insert",
			Elapsed: 12 * time.Millisecond,
		})
	})

	_, client := startTestServer(t, handler)

	result, err := client.Inject("dictated sentence")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "atspi_insert", result.Method)
}

func TestConnectMissingSocket(t *testing.T) {
	client := NewClient(DefaultClientConfig(filepath.Join(t.TempDir(), "absent.sock")))
	err := client.Connect()
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestServerConnLimit(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "injectd.sock")
	cfg := DefaultServerConfig(socketPath)
	cfg.MaxConnections = 1

	srv := NewServer(cfg, nil, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	first := NewClient(DefaultClientConfig(socketPath))
	require.NoError(t, first.Connect())
	defer first.Close()
	require.NoError(t, first.Ping())

	// The second connection is accepted by the kernel then closed by the
	// server; the request on it must fail.
	cfg2 := DefaultClientConfig(socketPath)
	cfg2.RequestTimeout = time.Second
	second := NewClient(cfg2)
	require.NoError(t, second.Connect())
	defer second.Close()
	assert.Error(t, second.Ping())
}

func TestServerStopRemovesSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "injectd.sock")
	srv := NewServer(DefaultServerConfig(socketPath), nil, nil)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())

	client := NewClient(DefaultClientConfig(socketPath))
	assert.ErrorIs(t, client.Connect(), ErrDaemonNotRunning)
}
