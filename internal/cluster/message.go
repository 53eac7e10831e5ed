// Package cluster implements the TLS peer transport: mutual-auth links
// between endpoints, length-prefixed JSON framing, journal-backed
// replay on reconnect and routing of replicated events into the local
// object runtime.
package cluster

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	"github.com/gravitational/trace"

	"github.com/oceanplexian/icingo/internal/objects"
)

// DefaultMaxMessageSize is the framing limit; larger messages drop the
// link.
const DefaultMaxMessageSize = 64 * 1024 * 1024

// Wire methods.
const (
	MethodHello             = "cluster::Hello"
	MethodCheckResult       = "event::CheckResult"
	MethodStateChange       = "event::StateChange"
	MethodNextCheck         = "event::NextCheckChanged"
	MethodCommentAdded      = "event::CommentAdded"
	MethodCommentRemoved    = "event::CommentRemoved"
	MethodDowntimeAdded     = "event::DowntimeAdded"
	MethodDowntimeRemoved   = "event::DowntimeRemoved"
	MethodDowntimeTriggered = "event::DowntimeTriggered"
	MethodAckSet            = "event::AcknowledgementSet"
	MethodAckCleared        = "event::AcknowledgementCleared"
	MethodConfigUpdate      = "config::Update"
	MethodReplay            = "log::Replay"
	MethodReplayComplete    = "log::ReplayComplete"
	MethodShutdown          = "log::Shutdown"
)

// Message is the wire envelope. Source and Seq identify the emitting
// endpoint and its per-source sequence number for receiver-side
// deduplication.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	TS      float64         `json:"ts"`
	Source  string          `json:"source,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

// NewMessage builds an envelope, marshaling params.
func NewMessage(method string, params interface{}, ts float64) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw, TS: ts}, nil
}

// ObjectRef names a checkable on the wire.
type ObjectRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// HelloParams opens the connect handshake: the sender's identity, the
// endpoints it knows about, and the highest timestamp it has applied
// from the receiver's journal. The receiver replays everything newer.
type HelloParams struct {
	Identity       string   `json:"identity"`
	KnownEndpoints []string `json:"known_endpoints"`
	LogPosition    float64  `json:"log_position"`
}

// CheckResultParams replicates one check outcome.
type CheckResultParams struct {
	Object    ObjectRef            `json:"object"`
	CR        *objects.CheckResult `json:"cr"`
	Authority string               `json:"authority"`
}

// StateChangeParams is informational; the receiver rederives canonical
// state from the CheckResult stream.
type StateChangeParams struct {
	Object    ObjectRef `json:"object"`
	State     int       `json:"state"`
	StateType int       `json:"state_type"`
	Authority string    `json:"authority"`
}

// NextCheckParams announces a reschedule.
type NextCheckParams struct {
	Object    ObjectRef `json:"object"`
	NextCheck float64   `json:"next_check"`
}

// CommentParams carries a full comment entity.
type CommentParams struct {
	Object  ObjectRef        `json:"object"`
	Comment *objects.Comment `json:"comment"`
}

// DowntimeParams carries a full downtime entity.
type DowntimeParams struct {
	Object   ObjectRef         `json:"object"`
	Downtime *objects.Downtime `json:"downtime"`
}

// AckParams replicates an acknowledgement change.
type AckParams struct {
	Object  ObjectRef `json:"object"`
	Author  string    `json:"author"`
	Text    string    `json:"text"`
	Expiry  float64   `json:"expiry"`
	AckType int       `json:"type"`
}

// ConfigUpdateParams is an idempotent snapshot of one object's config
// attributes.
type ConfigUpdateParams struct {
	Type       string                     `json:"type"`
	Name       string                     `json:"name"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// WriteMessage frames and writes one message: 8-byte little-endian
// length, then the JSON payload.
func WriteMessage(w io.Writer, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(WriteFrame(w, payload))
}

// WriteFrame writes an already-serialized payload with the length
// prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return trace.Wrap(err)
	}
	_, err := w.Write(payload)
	return trace.Wrap(err)
}

// ReadFrame reads one length-prefixed payload. Oversized frames return
// a LimitExceeded error; the caller drops the link.
func ReadFrame(r *bufio.Reader, maxSize int64) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, trace.Wrap(err)
	}
	size := binary.LittleEndian.Uint64(header[:])
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if size > uint64(maxSize) {
		return nil, trace.LimitExceeded("message of %d bytes exceeds limit %d", size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, trace.Wrap(err)
	}
	return payload, nil
}

// ReadMessage reads and decodes one framed message.
func ReadMessage(r *bufio.Reader, maxSize int64) (*Message, []byte, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, nil, trace.BadParameter("malformed message: %v", err)
	}
	if msg.JSONRPC != "2.0" || msg.Method == "" {
		return nil, nil, trace.BadParameter("message is not a jsonrpc 2.0 call")
	}
	return &msg, payload, nil
}

// UnixTS converts a time to the wire's float seconds representation.
// The zero time maps to 0 so it round-trips through FromUnixTS.
func UnixTS(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// FromUnixTS converts wire seconds back to a time.
func FromUnixTS(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts*1e9))
}
