package contracts

// Envelope is the data part of a response message. Err is nil on success.
type Envelope struct {
	Err *string `json:"err"`
	Res any     `json:"res"`
}

// NewEnvelope normalizes a handler outcome into an envelope. The error is
// reduced to its message; a non-nil error always drops the result.
func NewEnvelope(err error, res any) Envelope {
	if err == nil {
		return Envelope{Res: res}
	}
	msg := err.Error()
	return Envelope{Err: &msg}
}

// Failed reports whether the envelope carries an error indicator.
func (e Envelope) Failed() bool {
	return e.Err != nil
}

// Error returns the remote error carried by the envelope, or nil on success.
func (e Envelope) Error() error {
	if e.Err == nil {
		return nil
	}
	return &RemoteError{Message: *e.Err}
}
