// Package messaging layers request/response semantics over a fire-and-forget
// transport.
//
// A Messenger sends labelled requests and hands back a Future that completes
// exactly once: with the peer's reply, or with a failure when the request
// times out, its target is destroyed, the caller cancels, or the messenger is
// closed. Inbound requests are routed by label to a single registered Handler,
// which answers through a Reply bound to the original sender.
//
// Both directions share one transport channel. Responses carry the reserved
// label "response" and echo the correlation id of the request they answer.
//
// Example usage:
//
//	m, err := messaging.NewMessenger(transport, messaging.DefaultConfig(),
//		messaging.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//
//	_ = m.On("ping", messaging.Handle(func(ctx context.Context, p Ping) (Pong, error) {
//		return Pong{N: p.N + 1}, nil
//	}))
//
//	var pong Pong
//	err = m.Send(ctx, window, "ping", Ping{N: 3}).Decode(ctx, &pong)
package messaging
