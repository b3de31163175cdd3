// Package codec provides JSON serialization for envelope payloads and
// projection documents.
package codec

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec marshals and unmarshals values to and from bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is a Codec backed by json-iterator in stdlib-compatible mode.
type JSON struct{}

// NewJSON returns the default JSON codec.
func NewJSON() *JSON {
	return &JSON{}
}

func (c *JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
