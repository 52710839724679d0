package codec

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes payload values.
type Codec interface {
	// Marshal serializes v.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v.
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier.
	Name() string
}

// Codec names for format negotiation.
const (
	NameMsgpack = "msgpack"
	NameJSON    = "json"
)

// Default is the codec used for frames, log records and snapshots.
var Default Codec = Msgpack{}

// GetCodec returns a codec by name. Defaults to msgpack.
func GetCodec(name string) Codec {
	switch name {
	case NameJSON:
		return JSON{}
	default:
		return Msgpack{}
	}
}

// Marshal encodes v with the default codec.
func Marshal(v any) ([]byte, error) { return Default.Marshal(v) }

// Unmarshal decodes data into v with the default codec.
func Unmarshal(data []byte, v any) error { return Default.Unmarshal(data, v) }

// Msgpack encodes values as MessagePack. Map keys are sorted so equal
// values always produce equal bytes.
type Msgpack struct{}

func (Msgpack) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Msgpack) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (Msgpack) Name() string { return NameMsgpack }

// JSON encodes values as JSON. Used by the HTTP status endpoint.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Name() string                       { return NameJSON }
