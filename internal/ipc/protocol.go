// Package ipc carries requests between the injectd daemon and its clients
// (injectctl, speech frontends) over a Unix socket.
//
// Messages are framed with a fixed 16-byte binary header followed by a JSON
// payload. The socket itself is the authentication boundary: it is created
// mode 0600 in the user's runtime directory, so only the owning user can
// connect.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x494A5043 // "IJPC"
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgError        MessageType = 0x0003
	MsgShutdown     MessageType = 0x0004
	MsgShutdownResp MessageType = 0x0005

	// Status (0x01xx)
	MsgStatus     MessageType = 0x0100
	MsgStatusResp MessageType = 0x0101

	// Injection (0x02xx)
	MsgTranscription     MessageType = 0x0200
	MsgTranscriptionResp MessageType = 0x0201
	MsgFlush             MessageType = 0x0202
	MsgFlushResp         MessageType = 0x0203
	MsgInject            MessageType = 0x0204
	MsgInjectResp        MessageType = 0x0205

	// Diagnostics and configuration (0x03xx)
	MsgStats      MessageType = 0x0300
	MsgStatsResp  MessageType = 0x0301
	MsgReload     MessageType = 0x0302
	MsgReloadResp MessageType = 0x0303
)

// Header is the fixed-size message header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32 // payload length, not including the header
}

const HeaderSize = 16

// maxPayload bounds a frame. Transcription fragments are short; anything
// beyond this is a broken or hostile peer.
const maxPayload = 1 << 20

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > maxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error codes carried in ErrorResponse.
const (
	ErrCodeUnknown        = 1
	ErrCodeInvalidRequest = 2
	ErrCodeNotReady       = 3
	ErrCodeInjectFailed   = 4
	ErrCodeInternal       = 5
	ErrCodeUnsupported    = 6
)

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusRequest requests daemon status.
type StatusRequest struct{}

// MethodStatus summarizes one injection method for status output.
type MethodStatus struct {
	Method        string  `json:"method"`
	Enabled       bool    `json:"enabled"`
	SuccessRate   float64 `json:"success_rate"`
	Successes     uint64  `json:"successes"`
	Failures      uint64  `json:"failures"`
	InCooldown    bool    `json:"in_cooldown"`
	CooldownForMs int64   `json:"cooldown_for_ms,omitempty"`
}

// StatusResponse contains daemon status.
type StatusResponse struct {
	Version      string         `json:"version"`
	StartedAt    time.Time      `json:"started_at"`
	Uptime       time.Duration  `json:"uptime"`
	Protocol     string         `json:"protocol"`
	Desktop      string         `json:"desktop"`
	SessionState string         `json:"session_state"`
	BufferChars  int            `json:"buffer_chars"`
	BufferDigest string         `json:"buffer_digest,omitempty"`
	UtteranceID  string         `json:"utterance_id,omitempty"`
	FocusedApp   string         `json:"focused_app,omitempty"`
	Methods      []MethodStatus `json:"methods"`
}

// TranscriptionRequest feeds a transcription fragment into the session buffer.
type TranscriptionRequest struct {
	Text string `json:"text"`
}

// TranscriptionResponse acknowledges a fragment.
type TranscriptionResponse struct {
	Accepted    bool   `json:"accepted"`
	State       string `json:"state"`
	BufferChars int    `json:"buffer_chars"`
}

// FlushRequest forces the buffered utterance out immediately, skipping the
// silence wait.
type FlushRequest struct{}

// InjectRequest injects text directly, bypassing the session buffer.
type InjectRequest struct {
	Text string `json:"text"`
}

// DiagnosticInfo mirrors a per-method attempt diagnostic.
type DiagnosticInfo struct {
	Method  string        `json:"method"`
	Stage   string        `json:"stage"`
	Reason  string        `json:"reason"`
	Elapsed time.Duration `json:"elapsed"`
}

// InjectResult reports the outcome of an injection attempt. It answers both
// FlushRequest and InjectRequest.
type InjectResult struct {
	Success     bool             `json:"success"`
	Method      string           `json:"method,omitempty"`
	Elapsed     time.Duration    `json:"elapsed"`
	Error       string           `json:"error,omitempty"`
	Diagnostics []DiagnosticInfo `json:"diagnostics,omitempty"`
}

// StatsRequest requests attempt statistics.
type StatsRequest struct {
	SinceHours int `json:"since_hours,omitempty"`
}

// MethodStats summarizes one method in stats output.
type MethodStats struct {
	Total     int64 `json:"total"`
	Successes int64 `json:"successes"`
}

// StatsResponse contains attempt statistics.
type StatsResponse struct {
	Since     time.Time              `json:"since"`
	Total     int64                  `json:"total"`
	Successes int64                  `json:"successes"`
	ByMethod  map[string]MethodStats `json:"by_method"`
}

// ReloadRequest asks the daemon to reload its configuration file.
type ReloadRequest struct{}

// ReloadResponse acknowledges a reload.
type ReloadResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ShutdownResponse acknowledges a shutdown request before the daemon exits.
type ShutdownResponse struct {
	Success bool `json:"success"`
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message with an encoded payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
