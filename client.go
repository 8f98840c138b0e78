// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ipc exposes request/response messaging between a host process and
// its windows. Host sends to an explicit window endpoint; Renderer always
// talks to the host it is attached to.
package ipc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
)

// Peer holds what the two roles share: the messenger and handler registry.
type Peer struct {
	messenger *messaging.Messenger
}

// On registers the handler for label
func (p *Peer) On(label string, handler messaging.Handler) error {
	return p.messenger.On(label, handler)
}

// OnFunc registers fn for label
func (p *Peer) OnFunc(label string, fn func(ctx context.Context, req *messaging.Request, reply messaging.Reply)) error {
	return p.messenger.OnFunc(label, fn)
}

// Off removes the handler for label
func (p *Peer) Off(label string) bool {
	return p.messenger.Off(label)
}

// Messenger returns the underlying messenger
func (p *Peer) Messenger() *messaging.Messenger {
	return p.messenger
}

// Pending returns the number of unanswered requests
func (p *Peer) Pending() int {
	return p.messenger.Pending()
}

// Close rejects unanswered requests and stops receiving
func (p *Peer) Close() error {
	return p.messenger.Close()
}

// Host is the main-process role. Every request names its target window.
type Host struct {
	Peer
}

// NewHost creates the host role over transport
func NewHost(transport messaging.Transport, options ...ClientOption) (*Host, error) {
	m, err := newMessenger("host", transport, options)
	if err != nil {
		return nil, err
	}
	return &Host{Peer{messenger: m}}, nil
}

// Send sends a request to target. The request is evicted if target is
// destroyed before it answers.
func (h *Host) Send(ctx context.Context, target messaging.Endpoint, label string, data any, opts ...messaging.SendOption) *messaging.Future {
	if target == nil {
		return messaging.FailedFuture(label, contracts.ErrTargetRequired)
	}
	return h.messenger.Send(ctx, target, label, data, opts...)
}

// Renderer is the window role. Requests always go to the host.
type Renderer struct {
	Peer
}

// NewRenderer creates the renderer role over transport
func NewRenderer(transport messaging.Transport, options ...ClientOption) (*Renderer, error) {
	m, err := newMessenger("renderer", transport, options)
	if err != nil {
		return nil, err
	}
	return &Renderer{Peer{messenger: m}}, nil
}

// Send sends a request to the host
func (r *Renderer) Send(ctx context.Context, label string, data any, opts ...messaging.SendOption) *messaging.Future {
	return r.messenger.Send(ctx, nil, label, data, opts...)
}

func newMessenger(role string, transport messaging.Transport, options []ClientOption) (*messaging.Messenger, error) {
	cfg := &clientConfig{
		config: messaging.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	opts := append([]messaging.MessengerOption{
		messaging.WithLogger(cfg.logger.With("role", role)),
	}, cfg.messengerOpts...)

	m, err := messaging.NewMessenger(transport, cfg.config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s messenger: %w", role, err)
	}
	return m, nil
}

// clientConfig holds client configuration
type clientConfig struct {
	config        messaging.Config
	logger        *slog.Logger
	messengerOpts []messaging.MessengerOption
}

// ClientOption configures a Host or Renderer
type ClientOption func(*clientConfig)

// WithConfig replaces the messenger configuration
func WithConfig(config messaging.Config) ClientOption {
	return func(cfg *clientConfig) {
		cfg.config = config
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDebugLogging traces every request, response and reply
func WithDebugLogging(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.config.DebugLogging = enabled
	}
}

// WithChannelName overrides the transport channel name
func WithChannelName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.config.ChannelName = name
	}
}

// WithMessengerOptions passes options through to the messenger
func WithMessengerOptions(opts ...messaging.MessengerOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.messengerOpts = append(cfg.messengerOpts, opts...)
	}
}
