// Package telemetry decodes and encodes detector telemetry frames.
//
// A frame travels as base64 text wrapping a protobuf message:
//
//	message mqtt_msg_t {
//	  uint32 id        = 1;
//	  uint32 channels  = 2;
//	  uint32 timestamp = 3;
//	  uint32 counter   = 4;
//	}
//
// Integer fields are accepted as varint, fixed32 or fixed64 so that firmware built with
// different integer types decodes the same way. Unknown fields are skipped.
package telemetry

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed marks payloads that cannot be turned into a Frame.
var ErrMalformed = errors.New("malformed telemetry frame")

const (
	fieldID        protowire.Number = 1
	fieldChannels  protowire.Number = 2
	fieldTimestamp protowire.Number = 3
	fieldCounter   protowire.Number = 4
)

// Frame is one decoded detector report.
type Frame struct {
	DetectorID int64  `json:"id"`
	Channels   uint32 `json:"channels"`
	Timestamp  int64  `json:"timestamp"` // Seconds since the Unix epoch as reported by the device.
	Counter    uint64 `json:"counter"`
}


// DecodePayload decodes the base64 transport payload.
func DecodePayload(payload []byte) (Frame, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return Frame{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		// Some publishers strip padding.
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(text, "="))
		if err != nil {
			return Frame{}, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
		}
	}
	return Unmarshal(raw)
}

// Unmarshal decodes the protobuf wire bytes of a frame.
func Unmarshal(b []byte) (Frame, error) {
	var f Frame
	var seen int

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldID, fieldChannels, fieldTimestamp, fieldCounter:
			v, n, err := consumeUint(typ, b)
			if err != nil {
				return Frame{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, err)
			}
			b = b[n:]
			seen++

			switch num {
			case fieldID:
				if v > math.MaxInt64 {
					return Frame{}, fmt.Errorf("%w: detector id %d out of range", ErrMalformed, v)
				}
				f.DetectorID = int64(v)
			case fieldChannels:
				if v > math.MaxUint32 {
					return Frame{}, fmt.Errorf("%w: channel mask %#x wider than 32 bits", ErrMalformed, v)
				}
				f.Channels = uint32(v)
			case fieldTimestamp:
				if v > math.MaxInt64 {
					return Frame{}, fmt.Errorf("%w: timestamp %d out of range", ErrMalformed, v)
				}
				f.Timestamp = int64(v)
			case fieldCounter:
				f.Counter = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if seen == 0 {
		return Frame{}, fmt.Errorf("%w: no known fields", ErrMalformed)
	}
	return f, nil
}

func consumeUint(typ protowire.Type, b []byte) (uint64, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		return v, n, nil
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		return uint64(v), n, nil
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		return v, n, nil
	default:
		return 0, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
}

// Marshal encodes a frame in the protobuf wire format. Zero fields are omitted as proto3 does.
func Marshal(f Frame) []byte {
	var b []byte
	if f.DetectorID != 0 {
		b = protowire.AppendTag(b, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.DetectorID))
	}
	if f.Channels != 0 {
		b = protowire.AppendTag(b, fieldChannels, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Channels))
	}
	if f.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Timestamp))
	}
	if f.Counter != 0 {
		b = protowire.AppendTag(b, fieldCounter, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Counter)
	}
	return b
}

// EncodePayload produces the base64 transport payload for f.
func EncodePayload(f Frame) []byte {
	raw := Marshal(f)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out
}
