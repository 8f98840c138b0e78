// Package serialization encodes wire messages for transports. JSON is the
// default codec; CBOR is available for transports that prefer a binary form.
package serialization

import (
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mmate-ipc/contracts"
)

// Codec marshals values for the wire. Implementations must be safe for
// concurrent use.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Codec
}

// NewRegistry creates a registry preloaded with the JSON and CBOR codecs.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	return r
}

// Register adds or replaces a codec under its content type
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[c.ContentType()] = c
}

// Get returns the codec registered for contentType
func (r *Registry) Get(contentType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byType[contentType]
	if !ok {
		return nil, fmt.Errorf("no codec registered for content type %q", contentType)
	}
	return c, nil
}

// ContentTypes lists the registered content types in sorted order
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for ct := range r.byType {
		types = append(types, ct)
	}
	sort.Strings(types)
	return types
}

// Lookup resolves a short codec name ("json", "cbor") or a content type.
func (r *Registry) Lookup(name string) (Codec, error) {
	switch name {
	case "", "json":
		name = ContentTypeJSON
	case "cbor":
		name = ContentTypeCBOR
	}
	return r.Get(name)
}

// Convert re-encodes src into dst through c. It is used to turn generically
// decoded payloads into caller-supplied types.
func Convert(c Codec, src any, dst any) error {
	data, err := c.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := c.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal payload into %T: %w", dst, err)
	}
	return nil
}

type wireMessage struct {
	ID    *uint64 `json:"id"`
	Label string  `json:"label"`
	Data  any     `json:"data"`
}

// EncodeMessage marshals a wire message.
func EncodeMessage(c Codec, msg contracts.Message) ([]byte, error) {
	body, err := c.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %q (id=%d): %w", msg.Label, msg.ID, err)
	}
	return body, nil
}

// DecodeMessage unmarshals a wire message. Missing id or label yields
// contracts.ErrMalformedMessage. Response data is decoded into a
// contracts.Envelope; request data is left in its generic form.
func DecodeMessage(c Codec, body []byte) (contracts.Message, error) {
	var wire wireMessage
	if err := c.Unmarshal(body, &wire); err != nil {
		return contracts.Message{}, fmt.Errorf("%w: %v", contracts.ErrMalformedMessage, err)
	}
	if wire.ID == nil {
		return contracts.Message{}, fmt.Errorf("%w: missing id", contracts.ErrMalformedMessage)
	}
	if wire.Label == "" {
		return contracts.Message{}, fmt.Errorf("%w: missing label", contracts.ErrMalformedMessage)
	}

	msg := contracts.Message{ID: *wire.ID, Label: wire.Label, Data: wire.Data}
	if !msg.IsResponse() {
		return msg, nil
	}

	var env contracts.Envelope
	if wire.Data == nil {
		return contracts.Message{}, fmt.Errorf("%w: response %d has no envelope", contracts.ErrMalformedMessage, msg.ID)
	}
	if err := Convert(c, wire.Data, &env); err != nil {
		return contracts.Message{}, fmt.Errorf("%w: response %d: %v", contracts.ErrMalformedMessage, msg.ID, err)
	}
	msg.Data = env
	return msg, nil
}
