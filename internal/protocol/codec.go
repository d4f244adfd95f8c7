// ABOUTME: CBOR envelope codec for relay wire frames.
// ABOUTME: Deterministic encoding; decode is exhaustive over known tags.

package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformed wraps any frame that cannot be decoded as an envelope or
// whose payload does not match its tag.
var ErrMalformed = errors.New("malformed frame")

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding. Same logical frame always produces
// identical bytes, which keeps test fixtures and dedupe keys stable.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown struct fields for
// forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is the on-wire frame: a tag plus the tag-specific payload.
type envelope struct {
	T Kind            `cbor:"t"`
	P cbor.RawMessage `cbor:"p,omitempty"`
}

// Encode serializes a message into a binary wire frame.
func Encode(msg Message) ([]byte, error) {
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msg.Kind(), err)
	}
	frame, err := encMode.Marshal(envelope{T: msg.Kind(), P: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", msg.Kind(), err)
	}
	return frame, nil
}

// Decode parses a wire frame into its concrete message type. A frame with
// an unrecognized tag decodes to *Unknown with a nil error; the caller
// decides whether that exhausts the connection's violation budget. Any
// other failure wraps ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := newPayload(env.T)
	if msg == nil {
		return &Unknown{Tag: string(env.T)}, nil
	}
	if len(env.P) > 0 {
		if err := decMode.Unmarshal(env.P, msg); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.T, err)
		}
	}
	return msg, nil
}

// newPayload returns a zero value for the given tag, or nil if the tag is
// not part of the protocol.
func newPayload(k Kind) Message {
	switch k {
	case KindRegister:
		return &Register{}
	case KindRegisterAck:
		return &RegisterAck{}
	case KindListClients:
		return &ListClients{}
	case KindClientList:
		return &ClientList{}
	case KindExecuteSequence:
		return &ExecuteSequence{}
	case KindExecuteAck:
		return &ExecuteAck{}
	case KindActionDispatch:
		return &ActionDispatch{}
	case KindActionResult:
		return &ActionResult{}
	case KindSequenceComplete:
		return &SequenceComplete{}
	case KindSequenceFailed:
		return &SequenceFailed{}
	case KindCancelSequence:
		return &CancelSequence{}
	case KindClientStatus:
		return &ClientStatusEvent{}
	case KindPing:
		return &Ping{}
	case KindPong:
		return &Pong{}
	case KindProtocolError:
		return &ProtocolError{}
	default:
		return nil
	}
}
