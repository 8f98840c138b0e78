package contracts

// ResponseLabel is the reserved label that marks a message as the answer to a
// pending request. Requests must never use it.
const ResponseLabel = "response"

// Message is the unit exchanged over a transport channel.
type Message struct {
	ID    uint64 `json:"id"`
	Label string `json:"label"`
	Data  any    `json:"data"`
}

// IsResponse reports whether the message completes a pending request.
func (m Message) IsResponse() bool {
	return m.Label == ResponseLabel
}

// NewRequest builds a request message.
func NewRequest(id uint64, label string, data any) Message {
	return Message{ID: id, Label: label, Data: data}
}

// NewResponse builds the response message for request id. A nil err produces a
// success envelope carrying res; otherwise only the error string is sent.
func NewResponse(id uint64, err error, res any) Message {
	return Message{ID: id, Label: ResponseLabel, Data: NewEnvelope(err, res)}
}
