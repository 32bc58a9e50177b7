package storage

import (
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/huykn/tiered-cache/cache"
)

// CBORMarshaller stores values as CBOR. Maps decode as map[string]any so
// values read back look like their JSON counterparts.
type CBORMarshaller struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORMarshaller creates a new CBOR marshaller.
func NewCBORMarshaller() *CBORMarshaller {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBORMarshaller{enc: enc, dec: dec}
}

// Marshal serializes a value to CBOR.
func (cm *CBORMarshaller) Marshal(v any) ([]byte, error) {
	return cm.enc.Marshal(v)
}

// Unmarshal deserializes a value from CBOR.
func (cm *CBORMarshaller) Unmarshal(data []byte, v any) error {
	return cm.dec.Unmarshal(data, v)
}

// GetSerializer returns a marshaller for the given format.
func GetSerializer(format string) (cache.Marshaller, error) {
	switch format {
	case "json":
		return cache.NewJSONMarshaller(), nil
	case "cbor":
		return NewCBORMarshaller(), nil
	default:
		return nil, errors.New("unsupported serialization format: " + format)
	}
}
