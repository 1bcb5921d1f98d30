package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/a-essam23/go-gateway/pkg/pipeline"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

type Op int

const (
	OpDispatch       Op = 0
	OpHeartbeat      Op = 1
	OpIdentify       Op = 2
	OpStatus         Op = 3
	OpResume         Op = 6
	OpReconnect      Op = 7
	OpGuildMembers   Op = 8
	OpInvalidSession Op = 9
	OpHello          Op = 10
	OpHeartbeatAck   Op = 11
	OpLazyRequest    Op = 14
)

const (
	CloseUnknownError         websocket.StatusCode = 4000
	CloseUnknownOpcode        websocket.StatusCode = 4001
	CloseDecodeError          websocket.StatusCode = 4002
	CloseNotAuthenticated     websocket.StatusCode = 4003
	CloseAuthenticationFailed websocket.StatusCode = 4004
	CloseAlreadyAuthenticated websocket.StatusCode = 4005
	CloseRateLimited          websocket.StatusCode = 4008
	CloseSessionTimedOut      websocket.StatusCode = 4009
)

const shutdownReason = "Server shutting down"

// CloseError ends a session with a specific close code.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", int(e.Code), e.Reason)
}

func closeWith(code websocket.StatusCode, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

// closeFor maps a handler error to the close code sent to the client.
func closeFor(err error) *CloseError {
	var ce *CloseError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, pipeline.ErrUnknownOp):
		return closeWith(CloseUnknownOpcode, "Unknown opcode")
	case errors.Is(err, errs.ErrMalformed):
		return closeWith(CloseDecodeError, "Decode error")
	case errors.Is(err, errs.ErrNotAuthenticated):
		return closeWith(CloseNotAuthenticated, "Not authenticated")
	case errors.Is(err, errs.ErrInvalidToken), errors.Is(err, errs.ErrUnauthorized):
		return closeWith(CloseAuthenticationFailed, "Authentication failed")
	case errors.Is(err, errs.ErrAlreadyAuthenticated):
		return closeWith(CloseAlreadyAuthenticated, "Already authenticated")
	default:
		return closeWith(CloseUnknownError, "Unknown error")
	}
}

// frame is every server to client payload except DISPATCH.
type frame struct {
	Op Op  `json:"op"`
	D  any `json:"d"`
}

type dispatchFrame struct {
	Op Op              `json:"op"`
	T  string          `json:"t"`
	S  uint64          `json:"s"`
	D  json.RawMessage `json:"d"`
}

// inbound is a decoded client frame.
type inbound struct {
	Op Op
	D  json.RawMessage
}

// parseFrame peeks op and d without decoding the payload.
func parseFrame(msg []byte) (inbound, error) {
	if !gjson.ValidBytes(msg) {
		return inbound{}, fmt.Errorf("%w: invalid json", errs.ErrMalformed)
	}
	op := gjson.GetBytes(msg, "op")
	if op.Type != gjson.Number {
		return inbound{}, fmt.Errorf("%w: missing op", errs.ErrMalformed)
	}
	in := inbound{Op: Op(op.Int())}
	if d := gjson.GetBytes(msg, "d"); d.Exists() {
		in.D = json.RawMessage(d.Raw)
	}
	return in, nil
}

// decode unmarshals d into v, mapping failures to a decode error close.
func decode(d json.RawMessage, v any) error {
	if len(d) == 0 || string(d) == "null" {
		return fmt.Errorf("%w: missing d", errs.ErrMalformed)
	}
	if err := json.Unmarshal(d, v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	return nil
}
