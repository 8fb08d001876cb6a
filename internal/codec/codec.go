// Package codec provides request decoders, response encoders and the
// negotiator that picks them from Content-Type and Accept headers.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/ugorji/go/codec"
	"google.golang.org/protobuf/proto"
	"gopkg.in/yaml.v3"
)

// Media types with built-in codecs.
const (
	MIMEJSON     = "application/json"
	MIMEYAML     = "application/yaml"
	MIMETOML     = "application/toml"
	MIMEMsgPack  = "application/msgpack"
	MIMEProtobuf = "application/x-protobuf"
	MIMEText     = "text/plain"
)

// ErrUnsupportedValue is returned when a codec cannot handle a Go value.
var ErrUnsupportedValue = errors.New("value not supported by codec")

// Encoder serializes response values.
type Encoder interface {
	ContentType() string
	Encode(v any) ([]byte, error)
}

// Decoder deserializes request bodies.
type Decoder interface {
	ContentType() string
	Decode(data []byte, v any) error
}

// Codec is both. MediaTypes lists every media type it answers to; the
// first one is the canonical Content-Type it writes.
type Codec interface {
	Encoder
	Decoder
	MediaTypes() []string
}

// Builtin returns one instance of every built-in codec, JSON first.
func Builtin() []Codec {
	return []Codec{JSON{}, YAML{}, TOML{}, MsgPack{}, Protobuf{}, Text{}}
}

// JSON uses goccy/go-json, the encoder gin can be built with.
type JSON struct{}

func (JSON) ContentType() string { return MIMEJSON }
func (JSON) MediaTypes() []string { return []string{MIMEJSON, "text/json"} }
func (JSON) Encode(v any) ([]byte, error) { return json.Marshal(v) }
func (JSON) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// YAML uses gopkg.in/yaml.v3.
type YAML struct{}

func (YAML) ContentType() string { return MIMEYAML }
func (YAML) MediaTypes() []string { return []string{MIMEYAML, "application/x-yaml", "text/yaml"} }
func (YAML) Encode(v any) ([]byte, error) { return yaml.Marshal(v) }
func (YAML) Decode(data []byte, v any) error { return yaml.Unmarshal(data, v) }

// TOML uses pelletier/go-toml/v2.
type TOML struct{}

func (TOML) ContentType() string { return MIMETOML }
func (TOML) MediaTypes() []string { return []string{MIMETOML} }
func (TOML) Encode(v any) ([]byte, error) { return toml.Marshal(v) }
func (TOML) Decode(data []byte, v any) error { return toml.Unmarshal(data, v) }

// MsgPack uses ugorji/go/codec, the same handle gin's msgpack binding uses.
type MsgPack struct{}

var msgpackHandle = &codec.MsgpackHandle{}

func (MsgPack) ContentType() string { return MIMEMsgPack }
func (MsgPack) MediaTypes() []string { return []string{MIMEMsgPack, "application/x-msgpack"} }

func (MsgPack) Encode(v any) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func (MsgPack) Decode(data []byte, v any) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

// Protobuf handles values implementing proto.Message only.
type Protobuf struct{}

func (Protobuf) ContentType() string { return MIMEProtobuf }
func (Protobuf) MediaTypes() []string { return []string{MIMEProtobuf, "application/protobuf"} }

func (Protobuf) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf encode %T: %w", v, ErrUnsupportedValue)
	}
	return proto.Marshal(m)
}

func (Protobuf) Decode(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf decode %T: %w", v, ErrUnsupportedValue)
	}
	return proto.Unmarshal(data, m)
}

// Text writes strings, byte slices, errors and Stringers as-is.
type Text struct{}

func (Text) ContentType() string { return MIMEText + "; charset=utf-8" }
func (Text) MediaTypes() []string { return []string{MIMEText} }

func (Text) Encode(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	case error:
		return []byte(x.Error()), nil
	case fmt.Stringer:
		return []byte(x.String()), nil
	default:
		return nil, fmt.Errorf("text encode %T: %w", v, ErrUnsupportedValue)
	}
}

func (Text) Decode(data []byte, v any) error {
	switch x := v.(type) {
	case *string:
		*x = string(data)
	case *[]byte:
		*x = bytes.Clone(data)
	default:
		return fmt.Errorf("text decode %T: %w", v, ErrUnsupportedValue)
	}
	return nil
}
