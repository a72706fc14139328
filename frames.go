package wirebus

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/wirebus/delta"
)

// Frame type discriminators. Every frame is one JSON object per text
// message with a "type" field; receivers drop unknown types silently
// and treat malformed JSON as fatal for the connection.
const (
	FrameSub         = "sub"
	FrameUnsub       = "unsub"
	FrameRPCRequest  = "rpc:req"
	FrameRPCResponse = "rpc:res"
	FrameHeartbeat   = "heartbeat"
	FrameMessage     = "message"
	FrameInit        = "init"
	FrameUpdate      = "update"
)

// Frame is the decode envelope: a union of every frame's fields. Which
// fields are meaningful depends on Type.
type Frame struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint,omitempty"`

	// RPC fields.
	ID    int64           `json:"id,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	Err   *WireError      `json:"err,omitempty"`
	Res   json.RawMessage `json:"res,omitempty"`

	// Heartbeat.
	FrequencyMs int64 `json:"frequencyMs,omitempty"`

	// PubSub / PushPull payload.
	Message json.RawMessage `json:"message,omitempty"`

	// SharedObject init and update.
	Data  json.RawMessage `json:"data,omitempty"`
	Delta delta.Delta     `json:"delta,omitempty"`
	V     int64           `json:"v,omitempty"`
	Now   string          `json:"now,omitempty"`
}

// DecodeFrame parses one wire frame. An error here is a protocol error:
// the receiving side must close the connection.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &f, nil
}

type subFrame struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// EncodeSub builds a subscribe frame.
func EncodeSub(endpoint string) ([]byte, error) {
	return json.Marshal(subFrame{Type: FrameSub, Endpoint: endpoint})
}

// EncodeUnsub builds an unsubscribe frame.
func EncodeUnsub(endpoint string) ([]byte, error) {
	return json.Marshal(subFrame{Type: FrameUnsub, Endpoint: endpoint})
}

type rpcRequestFrame struct {
	Type     string          `json:"type"`
	ID       int64           `json:"id"`
	Endpoint string          `json:"endpoint"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// EncodeRPCRequest builds a request frame. Input is pre-marshaled so a
// zero value still travels.
func EncodeRPCRequest(id int64, endpoint string, input json.RawMessage) ([]byte, error) {
	return json.Marshal(rpcRequestFrame{Type: FrameRPCRequest, ID: id, Endpoint: endpoint, Input: input})
}

type rpcResponseFrame struct {
	Type     string          `json:"type"`
	ID       int64           `json:"id"`
	Endpoint string          `json:"endpoint"`
	Err      *WireError      `json:"err,omitempty"`
	Res      json.RawMessage `json:"res,omitempty"`
}

// EncodeRPCResponse builds a response frame. Exactly one of err and res
// is expected; res is pre-marshaled, so false/0/"" survive.
func EncodeRPCResponse(id int64, endpoint string, werr *WireError, res json.RawMessage) ([]byte, error) {
	return json.Marshal(rpcResponseFrame{Type: FrameRPCResponse, ID: id, Endpoint: endpoint, Err: werr, Res: res})
}

type heartbeatFrame struct {
	Type        string `json:"type"`
	FrequencyMs int64  `json:"frequencyMs"`
}

// EncodeHeartbeat builds a heartbeat frame carrying the cadence the
// server promises, so clients can size their watchdog.
func EncodeHeartbeat(frequencyMs int64) ([]byte, error) {
	return json.Marshal(heartbeatFrame{Type: FrameHeartbeat, FrequencyMs: frequencyMs})
}

type messageFrame struct {
	Type     string          `json:"type"`
	Endpoint string          `json:"endpoint"`
	Message  json.RawMessage `json:"message"`
}

// EncodeMessage builds a PubSub/PushPull payload frame.
func EncodeMessage(endpoint string, message json.RawMessage) ([]byte, error) {
	return json.Marshal(messageFrame{Type: FrameMessage, Endpoint: endpoint, Message: message})
}

type initFrame struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
	Data     any    `json:"data"`
	V        int64  `json:"v"`
}

// EncodeInit builds an init frame. Data and v are always present; a
// fresh object legitimately ships v=0.
func EncodeInit(endpoint string, data any, v int64) ([]byte, error) {
	return json.Marshal(initFrame{Type: FrameInit, Endpoint: endpoint, Data: data, V: v})
}

type updateFrame struct {
	Type     string      `json:"type"`
	Endpoint string      `json:"endpoint"`
	Delta    delta.Delta `json:"delta"`
	V        int64       `json:"v"`
	Now      string      `json:"now"`
}

// EncodeUpdate builds an update frame. Now is the server's RFC 3339
// timestamp at broadcast time; subscribers use it for latency samples.
func EncodeUpdate(endpoint string, d delta.Delta, v int64, now string) ([]byte, error) {
	return json.Marshal(updateFrame{Type: FrameUpdate, Endpoint: endpoint, Delta: d, V: v, Now: now})
}
