package cluster

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(MethodCheckResult, CheckResultParams{
		Object:    ObjectRef{Type: "Service", Name: "web01!http"},
		CR:        &objects.CheckResult{ExitStatus: 2, Output: "CRITICAL", State: objects.ServiceCritical},
		Authority: "node-a",
	}, 1700000000.5)
	require.NoError(t, err)
	msg.Source = "node-a"
	msg.Seq = 7

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	got, payload, err := ReadMessage(bufio.NewReader(&buf), 0)
	require.NoError(t, err)
	assert.Equal(t, "2.0", got.JSONRPC)
	assert.Equal(t, MethodCheckResult, got.Method)
	assert.Equal(t, "node-a", got.Source)
	assert.Equal(t, uint64(7), got.Seq)
	assert.InDelta(t, 1700000000.5, got.TS, 1e-9)
	assert.NotEmpty(t, payload)

	typ, name, ok := messageObject(got)
	require.True(t, ok)
	assert.Equal(t, "Service", typ)
	assert.Equal(t, "web01!http", name)
}

func TestReadFrameOversize(t *testing.T) {
	var buf bytes.Buffer
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], 1<<40)
	buf.Write(header[:])

	_, err := ReadFrame(bufio.NewReader(&buf), 1024)
	assert.True(t, trace.IsLimitExceeded(err))
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")

	_, err := ReadFrame(bufio.NewReader(&buf), 0)
	assert.Error(t, err)
}

func TestReadMessageMalformed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("not json")))
	_, _, err := ReadMessage(bufio.NewReader(&buf), 0)
	assert.True(t, trace.IsBadParameter(err))

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, []byte(`{"jsonrpc":"1.0","method":"x"}`)))
	_, _, err = ReadMessage(bufio.NewReader(&buf), 0)
	assert.True(t, trace.IsBadParameter(err), "wrong jsonrpc version")

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, []byte(`{"jsonrpc":"2.0"}`)))
	_, _, err = ReadMessage(bufio.NewReader(&buf), 0)
	assert.True(t, trace.IsBadParameter(err), "missing method")
}

func TestMessageObjectForms(t *testing.T) {
	// config::Update addresses objects with flat type/name fields.
	msg, err := NewMessage(MethodConfigUpdate, ConfigUpdateParams{Type: "Host", Name: "web01"}, 0)
	require.NoError(t, err)
	typ, name, ok := messageObject(msg)
	require.True(t, ok)
	assert.Equal(t, "Host", typ)
	assert.Equal(t, "web01", name)

	// Hello addresses no object.
	msg, err = NewMessage(MethodHello, HelloParams{Identity: "node-b"}, 0)
	require.NoError(t, err)
	_, _, ok = messageObject(msg)
	assert.False(t, ok)
}

func TestUnixTSRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 30, 15, 500000000, time.UTC)
	got := FromUnixTS(UnixTS(ts))
	assert.WithinDuration(t, ts, got, time.Millisecond)

	assert.Zero(t, UnixTS(time.Time{}))
	assert.True(t, FromUnixTS(0).IsZero())
}

func TestTranslateEvent(t *testing.T) {
	ev := bus.Event{
		Kind:       bus.KindCheckResult,
		Authority:  "node-a",
		ObjectType: "Host",
		ObjectName: "web01",
		Data:       bus.CheckResultData{Result: &objects.CheckResult{State: objects.HostDown}},
	}
	method, params := translateEvent(ev)
	assert.Equal(t, MethodCheckResult, method)
	crp := params.(CheckResultParams)
	assert.Equal(t, "web01", crp.Object.Name)
	assert.Equal(t, objects.HostDown, crp.CR.State)
	assert.Equal(t, "node-a", crp.Authority)

	ev = bus.Event{
		Kind:       bus.KindAcknowledgementSet,
		ObjectType: "Host",
		ObjectName: "web01",
		Data:       bus.AcknowledgementData{Author: "admin", Comment: "ack", AckType: objects.AckSticky},
	}
	method, params = translateEvent(ev)
	assert.Equal(t, MethodAckSet, method)
	ack := params.(AckParams)
	assert.Equal(t, "admin", ack.Author)
	assert.Equal(t, objects.AckSticky, ack.AckType)
	assert.Zero(t, ack.Expiry, "unset expiry stays zero on the wire")

	// Events with no wire translation are skipped.
	method, _ = translateEvent(bus.Event{Kind: bus.KindAttributeChanged})
	assert.Empty(t, method)
}
