package protocol

import (
	"encoding/binary"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Binary wire format: [1 byte type][4 bytes length][payload]

const (
	binaryHeaderSize = 5
	maxPayloadSize   = 10 * 1024 * 1024 // 10MB
)

// ErrorKind classifies a decode failure.
type ErrorKind int

const (
	// ErrMalformed indicates syntactically invalid input.
	ErrMalformed ErrorKind = iota
	// ErrSchema indicates well-formed input that violates the message schema.
	ErrSchema
	// ErrWrongEncoding indicates a frame type that does not match the
	// connection's negotiated format.
	ErrWrongEncoding
	// ErrUnsupportedType indicates an unrecognized message discriminant.
	ErrUnsupportedType
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformed:
		return "malformed"
	case ErrSchema:
		return "schema"
	case ErrWrongEncoding:
		return "wrong_encoding"
	case ErrUnsupportedType:
		return "unsupported_type"
	}
	return "unknown"
}

// DecodeError reports why a frame could not be decoded. It never propagates
// as a panic; callers drop the frame and log.
type DecodeError struct {
	Kind ErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrorf(kind ErrorKind, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Encode serializes a message in the given format, returning the bytes and
// whether they must be sent as a binary transport frame.
func Encode(msg *Message, format Format) ([]byte, bool, error) {
	if format == FormatJSON {
		data, err := encodeJSON(msg)
		return data, false, err
	}
	data, err := encodeBinary(msg)
	return data, true, err
}

// Decode parses a frame into the canonical message form. binaryFrame
// reports whether the transport delivered the data as a binary frame; a
// mismatch with the negotiated format is a classified error, not a close.
func Decode(data []byte, binaryFrame bool, format Format) (*Message, error) {
	switch format {
	case FormatJSON:
		if binaryFrame {
			return nil, decodeErrorf(ErrWrongEncoding, "binary frame on json connection")
		}
		return decodeJSON(data)
	default:
		if !binaryFrame {
			return nil, decodeErrorf(ErrWrongEncoding, "text frame on binary connection")
		}
		return decodeBinary(data)
	}
}

// encodeBinary writes the framed binary encoding using buffer pooling to
// reduce allocations.
func encodeBinary(msg *Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	var header [binaryHeaderSize]byte
	header[0] = byte(msg.Type)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	buf.Write(header[:])
	buf.Write(payload)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func decodeBinary(data []byte) (*Message, error) {
	if len(data) < binaryHeaderSize {
		return nil, decodeErrorf(ErrMalformed, "frame too short: %d bytes", len(data))
	}

	frameType := Type(data[0])
	length := binary.BigEndian.Uint32(data[1:binaryHeaderSize])

	if length > maxPayloadSize {
		return nil, decodeErrorf(ErrMalformed, "payload too large: %d bytes", length)
	}
	if uint32(len(data)-binaryHeaderSize) != length {
		return nil, decodeErrorf(ErrMalformed,
			"payload length mismatch: header %d, got %d", length, len(data)-binaryHeaderSize)
	}
	if !frameType.Valid() {
		return nil, decodeErrorf(ErrUnsupportedType, "unknown frame type 0x%02x", byte(frameType))
	}

	var msg Message
	if err := json.Unmarshal(data[binaryHeaderSize:], &msg); err != nil {
		return nil, decodeErrorf(ErrMalformed, "unmarshal payload: %w", err)
	}
	if msg.Type != frameType {
		return nil, decodeErrorf(ErrSchema,
			"payload type %d does not match frame type %d", msg.Type, frameType)
	}
	return &msg, nil
}
