package messaging

import (
	"errors"
	"sync/atomic"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/internal/correlation"
	"github.com/glimte/mmate-ipc/serialization"
)

// dispatch is the transport subscription callback. It never panics on bad
// input and keeps running after every fault.
func (m *Messenger) dispatch(d Delivery) {
	msg, err := serialization.DecodeMessage(m.codec, d.Body)
	if err != nil {
		m.logger.Error("dropping malformed message", "error", err, "size", len(d.Body))
		m.reportFault("dispatcher", err)
		return
	}

	if msg.IsResponse() {
		m.onResponse(msg)
		return
	}
	m.onRequest(d.Sender, msg)
}

func (m *Messenger) onResponse(msg contracts.Message) {
	env, _ := msg.Data.(contracts.Envelope)

	outcome := correlation.Success(env.Res)
	if env.Failed() {
		outcome = correlation.Failure(env.Error())
	}

	if m.config.DebugLogging {
		m.logger.Debug("response received",
			"correlationId", msg.ID,
			"failed", env.Failed(),
			"data", env.Res,
		)
	}

	err := m.table.Complete(msg.ID, outcome)
	if err == nil {
		return
	}

	var unexpected *contracts.UnexpectedResponseError
	if errors.As(err, &unexpected) {
		unexpected.Envelope = env
	}
	m.logger.Error("received unexpected response", "correlationId", msg.ID, "error", err)
	m.reportFault("dispatcher", err)
}

func (m *Messenger) onRequest(sender Endpoint, msg contracts.Message) {
	m.mu.RLock()
	handler, ok := m.handlers[msg.Label]
	m.mu.RUnlock()

	m.metrics.RecordReceived(msg.Label, ok)
	if !ok {
		if m.config.DebugLogging {
			m.logger.Debug("no handler for request", "label", msg.Label, "correlationId", msg.ID)
		}
		return
	}

	if sender == nil {
		sender = m.transport.Local()
	}

	if m.config.DebugLogging {
		m.logger.Debug("request received", "label", msg.Label, "correlationId", msg.ID, "data", msg.Data)
	}

	req := &Request{
		ID:     msg.ID,
		Label:  msg.Label,
		Data:   msg.Data,
		Sender: sender,
		codec:  m.codec,
	}
	handler.ServeIPC(m.ctx, req, m.newReply(sender, req))
}

// newReply binds a reply function to the request's id and sender. Only the
// first call transmits.
func (m *Messenger) newReply(sender Endpoint, req *Request) Reply {
	var replied atomic.Bool

	return func(err error, result any) error {
		if !replied.CompareAndSwap(false, true) {
			return contracts.ErrAlreadyReplied
		}

		body, encErr := serialization.EncodeMessage(m.codec, contracts.NewResponse(req.ID, err, result))
		if encErr != nil {
			m.logger.Error("failed to encode response", "label", req.Label, "correlationId", req.ID, "error", encErr)
			m.reportFault("replier", encErr)
			// The caller still gets a failure instead of waiting for its timeout.
			body, encErr = serialization.EncodeMessage(m.codec, contracts.NewResponse(req.ID, encErr, nil))
			if encErr != nil {
				return encErr
			}
		}

		sendErr := sender.Send(m.config.ChannelName, body)
		switch {
		case sendErr == nil:
			if m.config.DebugLogging {
				m.logger.Debug("response sent",
					"label", req.Label,
					"correlationId", req.ID,
					"failed", err != nil,
				)
			}
			return nil
		case errors.Is(sendErr, contracts.ErrEndpointDestroyed):
			m.logger.Debug("target endpoint has been closed", "label", req.Label, "correlationId", req.ID)
			return nil
		default:
			terr := &contracts.TransmissionError{Op: "reply", ID: req.ID, Label: req.Label, Err: sendErr}
			m.logger.Error("failed to send response", "label", req.Label, "correlationId", req.ID, "error", sendErr)
			m.reportFault("replier", terr)
			return terr
		}
	}
}
