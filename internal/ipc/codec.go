package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DecodeMode selects how strictly an incoming payload must fit a handler's
// target shape before the handler fires.
type DecodeMode int

const (
	// Lenient ignores payload fields the target shape does not declare, so
	// any payload carrying at least the shape's required fields matches.
	Lenient DecodeMode = iota
	// Strict rejects payloads carrying fields the target shape does not
	// declare.
	Strict
)

func (m DecodeMode) String() string {
	switch m {
	case Lenient:
		return "lenient"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("DecodeMode(%d)", int(m))
	}
}

// Codec marshals payloads for the wire and decodes them back into a target
// value.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var errTrailingData = errors.New("trailing data after JSON value")

type jsonCodec struct{ mode DecodeMode }

// JSON returns the wire codec. Encoding is plain encoding/json; decoding
// follows mode.
func JSON(mode DecodeMode) Codec { return jsonCodec{mode: mode} }

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (c jsonCodec) Unmarshal(data []byte, v any) error {
	if c.mode != Strict {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errTrailingData
	}
	return nil
}
