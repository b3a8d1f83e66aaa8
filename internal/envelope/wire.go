package envelope

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MaxMessageSize is the maximum allowed frame payload (64 MiB).
const MaxMessageSize = 64 << 20

// Format selects the body encoding of a frame.
type Format string

// Supported wire formats.
const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat parses a format name. The empty string selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown wire format %q", s)
	}
}

type cborModes struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// cborCodec builds the CBOR modes once. Maps decode as map[string]any so
// parameters look the same regardless of the wire format.
var cborCodec = sync.OnceValues(func() (cborModes, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return cborModes{}, fmt.Errorf("cbor enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return cborModes{}, fmt.Errorf("cbor dec mode: %w", err)
	}
	return cborModes{enc: em, dec: dm}, nil
})

// Marshal encodes v in format f.
func (f Format) Marshal(v any) ([]byte, error) {
	if f == FormatCBOR {
		m, err := cborCodec()
		if err != nil {
			return nil, err
		}
		return m.enc.Marshal(v)
	}
	return json.Marshal(v)
}

// Unmarshal decodes data in format f into v.
func (f Format) Unmarshal(data []byte, v any) error {
	if f == FormatCBOR {
		m, err := cborCodec()
		if err != nil {
			return err
		}
		return m.dec.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// WriteMessage writes a length-prefixed message to w.
// The frame format is: 4-byte big-endian length prefix followed by the body.
func WriteMessage(w io.Writer, f Format, v any) error {
	data, err := f.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed message from r and decodes it into v.
func ReadMessage(r io.Reader, f Format, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := f.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
