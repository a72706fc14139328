package wirebus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wirebus/delta"
)

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":`))
	require.Error(t, err)
}

func TestDecodeFrameUnknownTypeStillParses(t *testing.T) {
	// Unknown types are the router's problem; the codec hands them up.
	f, err := DecodeFrame([]byte(`{"type":"gossip","endpoint":"x"}`))
	require.NoError(t, err)
	require.Equal(t, "gossip", f.Type)
}

func TestSubUnsubRoundTrip(t *testing.T) {
	raw, err := EncodeSub("prices")
	require.NoError(t, err)
	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, FrameSub, f.Type)
	require.Equal(t, "prices", f.Endpoint)

	raw, err = EncodeUnsub("prices")
	require.NoError(t, err)
	f, err = DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, FrameUnsub, f.Type)
}

func TestRPCFramesKeepFalsyPayloads(t *testing.T) {
	raw, err := EncodeRPCRequest(7, "toggle", json.RawMessage(`false`))
	require.NoError(t, err)
	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, int64(7), f.ID)
	require.JSONEq(t, `false`, string(f.Input))

	raw, err = EncodeRPCResponse(7, "toggle", nil, json.RawMessage(`0`))
	require.NoError(t, err)
	f, err = DecodeFrame(raw)
	require.NoError(t, err)
	require.Nil(t, f.Err)
	require.JSONEq(t, `0`, string(f.Res))
}

func TestRPCResponseCarriesWireError(t *testing.T) {
	werr := Errorf(CodeMissingHandler, "toggle", "no handler registered").Wire()
	raw, err := EncodeRPCResponse(3, "toggle", werr, nil)
	require.NoError(t, err)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.NotNil(t, f.Err)
	require.Equal(t, string(CodeMissingHandler), f.Err.Code)
	require.Nil(t, f.Res)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	raw, err := EncodeHeartbeat(5000)
	require.NoError(t, err)
	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, FrameHeartbeat, f.Type)
	require.Equal(t, int64(5000), f.FrequencyMs)
}

func TestInitCarriesZeroVersionAndNullData(t *testing.T) {
	raw, err := EncodeInit("inventory", nil, 0)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	// data must appear even when null, and v even when zero.
	_, ok := env["data"]
	require.True(t, ok)
	require.Equal(t, float64(0), env["v"])

	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, FrameInit, f.Type)
	require.Equal(t, int64(0), f.V)
}

func TestUpdateRoundTrip(t *testing.T) {
	d := delta.Delta{{Op: delta.OpReplace, Path: []any{"count"}, Value: float64(2)}}
	raw, err := EncodeUpdate("inventory", d, 4, "2026-08-24T10:00:00Z")
	require.NoError(t, err)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, FrameUpdate, f.Type)
	require.Equal(t, int64(4), f.V)
	require.Equal(t, "2026-08-24T10:00:00Z", f.Now)
	require.Len(t, f.Delta, 1)
	require.Equal(t, delta.OpReplace, f.Delta[0].Op)
	require.Equal(t, []any{"count"}, f.Delta[0].Path)
}

func TestMessageRoundTrip(t *testing.T) {
	raw, err := EncodeMessage("ticks", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, FrameMessage, f.Type)
	require.JSONEq(t, `{"n":1}`, string(f.Message))
}
