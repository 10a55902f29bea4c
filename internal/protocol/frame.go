package protocol

import (
	"errors"
	"fmt"
)

// Frame is the envelope carried in every websocket binary message:
// a payload type selecting the body schema, the serialized body, and a
// correlation id echoed back by the gateway on responses. Unsolicited
// frames (heartbeats, broadcast errors) carry an empty correlation id.
type Frame struct {
	PayloadType uint32
	Payload     []byte
	ClientMsgID string
}

var errEmptyFrame = errors.New("empty frame")

// EncodeFrame serializes a frame envelope.
func EncodeFrame(f Frame) []byte {
	b := make([]byte, 0, 16+len(f.Payload)+len(f.ClientMsgID))
	b = appendUint32(b, 1, f.PayloadType)
	b = appendBytes(b, 2, f.Payload)
	b = appendString(b, 3, f.ClientMsgID)
	return b
}

// DecodeFrame parses a frame envelope.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, errEmptyFrame
	}

	var f Frame
	err := walkFields(b, func(fld field) error {
		switch fld.num {
		case 1:
			f.PayloadType = fld.asUint32()
		case 2:
			f.Payload = fld.bytes
		case 3:
			f.ClientMsgID = fld.asString()
		}
		return nil
	})
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.PayloadType == 0 {
		return Frame{}, errors.New("frame missing payload type")
	}
	return f, nil
}
