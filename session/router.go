package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Router multiplexes a single Transport across many concurrently-open
// subscriptions, dispatching each inbound envelope to the channel
// registered for its subscription id. It is the shared-connection
// counterpart to Session's standalone mode: client.Client uses one Router
// per relay connection so Sync and SyncAndFetch can run concurrently over
// it.
type Router struct {
	transport Transport

	mu   sync.Mutex
	subs map[string]chan Envelope

	done   chan struct{}
	runErr error
}

// NewRouter returns a Router reading from transport. Call Run in its own
// goroutine before registering subscriptions.
func NewRouter(transport Transport) *Router {
	return &Router{
		transport: transport,
		subs:      make(map[string]chan Envelope),
		done:      make(chan struct{}),
	}
}

// Register returns a channel that receives every envelope addressed to
// subID until Unregister is called. The channel buffers 16 envelopes; once
// it is full, Run blocks until the consumer drains it, which also delays
// delivery to every other subscription.
func (r *Router) Register(subID string) <-chan Envelope {
	ch := make(chan Envelope, 16)
	r.mu.Lock()
	r.subs[subID] = ch
	r.mu.Unlock()
	return ch
}

// Unregister stops delivery to subID's channel and closes it.
func (r *Router) Unregister(subID string) {
	r.mu.Lock()
	ch, ok := r.subs[subID]
	delete(r.subs, subID)
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Send writes an envelope to the transport.
func (r *Router) Send(ctx context.Context, e Envelope) error {
	data, err := e.MarshalJSON()
	if err != nil {
		return fmt.Errorf("session: router: encode %s: %w", e.Kind, err)
	}
	if err := r.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: %s", ErrTransportDown, err)
	}
	return nil
}

// Run reads envelopes from the transport until it fails or ctx is done,
// dispatching each to its subscription's channel. It returns the terminal
// error, which is also available afterward via Err.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		data, err := r.transport.Recv(ctx)
		if err != nil {
			r.runErr = fmt.Errorf("%w: %s", ErrTransportDown, err)
			return r.runErr
		}
		var env Envelope
		if err := env.UnmarshalJSON(data); err != nil {
			continue
		}
		if env.Kind == KindNotice && strings.Contains(strings.ToLower(env.Message), "negentropy") {
			if err := r.broadcastFatal(ctx, env.Message); err != nil {
				r.runErr = err
				return r.runErr
			}
			continue
		}
		r.mu.Lock()
		ch, ok := r.subs[env.SubID]
		r.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- env:
		case <-ctx.Done():
			r.runErr = ctx.Err()
			return r.runErr
		}
	}
}

// broadcastFatal delivers a synthetic NEG-ERR carrying msg to every
// currently-registered subscription, per spec.md §6.2/§7: a NOTICE whose
// text contains "negentropy" is a session-fatal error for every open
// session, not just one. It holds r.mu for the whole broadcast so a
// concurrent Unregister cannot close a channel out from under a send.
func (r *Router) broadcastFatal(ctx context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for subID, ch := range r.subs {
		env := Envelope{Kind: KindNegErr, SubID: subID, Message: msg}
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Done returns a channel closed when Run returns.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Err returns Run's terminal error, or nil if Run has not yet returned.
func (r *Router) Err() error {
	return r.runErr
}
