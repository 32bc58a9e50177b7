package sync

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/huykn/tiered-cache/types"
)

// WireVersion is written into every encoded event. Decoders accept this
// version and later ones, ignoring fields they do not know.
const WireVersion = 1

// Codec turns events into transport payloads and back. Decode must
// validate the event and report problems as KindMalformedEvent.
type Codec interface {
	Name() string
	Encode(event types.InvalidationEvent) ([]byte, error)
	Decode(data []byte) (types.InvalidationEvent, error)
}

// GetCodec returns the codec registered under name.
func GetCodec(name string) (Codec, error) {
	switch name {
	case "cbor", "":
		return NewCBORCodec(), nil
	case "json":
		return NewJSONCodec(), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}
}

// cborEvent uses small integer keys so the payload stays compact and the
// field order is fixed.
type cborEvent struct {
	Version   uint16   `cbor:"1,keyasint"`
	Region    string   `cbor:"2,keyasint"`
	Op        uint8    `cbor:"3,keyasint"`
	Key       string   `cbor:"4,keyasint,omitempty"`
	Keys      []string `cbor:"5,keyasint,omitempty"`
	Origin    string   `cbor:"6,keyasint"`
	Timestamp int64    `cbor:"7,keyasint"`
}

// CBORCodec is the default codec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a CBOR codec using core deterministic encoding.
func NewCBORCodec() *CBORCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBORCodec{enc: enc, dec: dec}
}

// Name returns "cbor".
func (c *CBORCodec) Name() string { return "cbor" }

// Encode validates and encodes an event.
func (c *CBORCodec) Encode(event types.InvalidationEvent) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, malformed(err)
	}
	data, err := c.enc.Marshal(cborEvent{
		Version:   WireVersion,
		Region:    event.Region,
		Op:        uint8(event.Op),
		Key:       event.Key,
		Keys:      event.Keys,
		Origin:    event.Origin,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return nil, malformed(err)
	}
	return data, nil
}

// Decode decodes and validates an event.
func (c *CBORCodec) Decode(data []byte) (types.InvalidationEvent, error) {
	var w cborEvent
	if err := c.dec.Unmarshal(data, &w); err != nil {
		return types.InvalidationEvent{}, malformed(err)
	}
	if w.Version < WireVersion {
		return types.InvalidationEvent{}, malformed(fmt.Errorf("unsupported wire version %d", w.Version))
	}
	event := types.InvalidationEvent{
		Region:    w.Region,
		Op:        types.Operation(w.Op),
		Key:       w.Key,
		Keys:      w.Keys,
		Origin:    w.Origin,
		Timestamp: w.Timestamp,
	}
	if err := event.Validate(); err != nil {
		return types.InvalidationEvent{}, malformed(err)
	}
	return event, nil
}

// jsonEvent is the human readable wire form.
type jsonEvent struct {
	Version   uint16   `json:"v"`
	Region    string   `json:"region"`
	Op        string   `json:"op"`
	Key       string   `json:"key,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	Origin    string   `json:"origin"`
	Timestamp int64    `json:"ts"`
}

// JSONCodec encodes events as JSON objects.
type JSONCodec struct{}

// NewJSONCodec creates a JSON codec.
func NewJSONCodec() *JSONCodec { return &JSONCodec{} }

// Name returns "json".
func (c *JSONCodec) Name() string { return "json" }

// Encode validates and encodes an event.
func (c *JSONCodec) Encode(event types.InvalidationEvent) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, malformed(err)
	}
	data, err := json.Marshal(jsonEvent{
		Version:   WireVersion,
		Region:    event.Region,
		Op:        event.Op.String(),
		Key:       event.Key,
		Keys:      event.Keys,
		Origin:    event.Origin,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return nil, malformed(err)
	}
	return data, nil
}

// Decode decodes and validates an event.
func (c *JSONCodec) Decode(data []byte) (types.InvalidationEvent, error) {
	var w jsonEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return types.InvalidationEvent{}, malformed(err)
	}
	if w.Version < WireVersion {
		return types.InvalidationEvent{}, malformed(fmt.Errorf("unsupported wire version %d", w.Version))
	}
	op, err := types.ParseOperation(w.Op)
	if err != nil {
		return types.InvalidationEvent{}, malformed(err)
	}
	event := types.InvalidationEvent{
		Region:    w.Region,
		Op:        op,
		Key:       w.Key,
		Keys:      w.Keys,
		Origin:    w.Origin,
		Timestamp: w.Timestamp,
	}
	if err := event.Validate(); err != nil {
		return types.InvalidationEvent{}, malformed(err)
	}
	return event, nil
}
