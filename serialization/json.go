package serialization

import "encoding/json"

// ContentTypeJSON is the content type of the default codec
const ContentTypeJSON = "application/json"

type jsonCodec struct{}

// JSON returns the JSON codec
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
