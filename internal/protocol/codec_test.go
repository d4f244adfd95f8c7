// ABOUTME: Tests for the tagged-envelope codec.
// ABOUTME: Covers round trips, unknown tags, and malformed frames.

package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Register(t *testing.T) {
	data, err := Encode(&Register{Role: RoleClient, ClientID: "desk-1"})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)

	reg, ok := msg.(*Register)
	require.True(t, ok, "decoded wrong type %T", msg)
	assert.Equal(t, RoleClient, reg.Role)
	assert.Equal(t, "desk-1", reg.ClientID)
}

func TestEncodeDecode_ExecuteSequence(t *testing.T) {
	issued := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	req := &ExecuteSequence{
		RequestID: "r1",
		ClientID:  "desk-1",
		Actions: []Action{
			{Name: "open_menu", Screenshot: true},
			{Name: "click", Delay: 0.5, Params: map[string]any{"element": "Save"}},
		},
		IssuedAt: issued,
	}

	data, err := Encode(req)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)

	got, ok := msg.(*ExecuteSequence)
	require.True(t, ok)
	assert.Equal(t, "r1", got.RequestID)
	require.Len(t, got.Actions, 2)
	assert.True(t, got.Actions[0].Screenshot)
	assert.Equal(t, 0.5, got.Actions[1].Delay)
	assert.Equal(t, "Save", got.Actions[1].Params["element"])
	assert.True(t, issued.Equal(got.IssuedAt))
}

func TestEncodeDecode_ActionResultScreenshot(t *testing.T) {
	shot := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	res := &ActionResult{
		RequestID:  "r1",
		Index:      3,
		Status:     ActionOK,
		Screenshot: shot,
		Elapsed:    1.25,
	}

	data, err := Encode(res)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)

	got, ok := msg.(*ActionResult)
	require.True(t, ok)
	assert.Equal(t, shot, got.Screenshot)
	assert.Equal(t, 3, got.Index)
	assert.True(t, got.OK())
}

func TestDecode_EveryKind(t *testing.T) {
	msgs := []Message{
		&Register{Role: RoleController},
		&RegisterAck{SessionID: "s1"},
		&ListClients{},
		&ClientList{Clients: []ClientInfo{{ID: "a", Status: StatusIdle}}},
		&ExecuteSequence{RequestID: "r1", ClientID: "a", Actions: []Action{{Name: "x"}}},
		&ExecuteAck{RequestID: "r1", Accepted: false, Reason: RejectBusy},
		&ActionDispatch{RequestID: "r1", Index: 0, Action: Action{Name: "x"}},
		&ActionResult{RequestID: "r1", Status: ActionError, Error: "boom"},
		&SequenceComplete{RequestID: "r1"},
		&SequenceFailed{RequestID: "r1", Reason: FailTimeout},
		&CancelSequence{RequestID: "r1"},
		&ClientStatusEvent{ClientID: "a", Event: EventConnected},
		&Ping{Seq: 7},
		&Pong{Seq: 7},
		&ProtocolError{Code: "unknown_tag"},
	}

	for _, m := range msgs {
		data, err := Encode(m)
		require.NoError(t, err, "encoding %s", m.Kind())

		got, err := Decode(data)
		require.NoError(t, err, "decoding %s", m.Kind())
		assert.Equal(t, m.Kind(), got.Kind())
	}
}

func TestDecode_UnknownTag(t *testing.T) {
	frame, err := cbor.Marshal(map[string]any{"t": "future_feature", "p": map[string]any{}})
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)

	unk, ok := msg.(*Unknown)
	require.True(t, ok, "expected Unknown, got %T", msg)
	assert.Equal(t, "future_feature", unk.Tag)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"garbage":        {0xff, 0x00, 0x13, 0x37},
		"empty":          {},
		"wrong envelope": mustMarshal(t, []int{1, 2, 3}),
		"bad payload":    mustMarshal(t, map[string]any{"t": "ping", "p": "not a map"}),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "want ErrMalformed, got %v", err)
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	msg := &ExecuteSequence{
		RequestID: "r1",
		ClientID:  "desk-1",
		Actions:   []Action{{Name: "click", Params: map[string]any{"b": 2, "a": 1, "c": 3}}},
	}

	first, err := Encode(msg)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := cbor.Marshal(v)
	require.NoError(t, err)
	return data
}
