// Package client is the top-level programmatic surface: dial a relay once,
// then drive any number of Sync/SyncAndFetch/Publish calls over the shared
// connection via session.Router.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nogringo/nip77/reconcile"
	"github.com/nogringo/nip77/session"
	"github.com/nogringo/nip77/storage"
)

// publishDedupeSize bounds the recently-published-id cache. Publish records
// each id the relay answered with OK and logs when the same id is published
// again; it still sends the EVENT frame in that case.
const publishDedupeSize = 4096

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the Client's logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithSessionOptions applies opts to every session.Session a Sync call
// drives, in addition to the WithSubID/WithLogger options Sync sets itself.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Client) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithReconcileOptions applies opts to every reconcile.Reconciler a Sync
// call drives, in addition to the WithLogger option Sync sets itself.
func WithReconcileOptions(opts ...reconcile.Option) Option {
	return func(c *Client) { c.reconcileOpts = append(c.reconcileOpts, opts...) }
}

// WithUUIDSubIDs makes the Client generate subscription ids with
// session.NextSubIDUUID instead of the default process-local counter, for
// callers sharing one relay connection across multiple independent processes
// where a collision-free id is required.
func WithUUIDSubIDs() Option {
	return func(c *Client) { c.subIDGen = session.NextSubIDUUID }
}

// Client owns one relay connection, multiplexed via a session.Router.
type Client struct {
	transport session.Transport
	router    *session.Router
	log       *zap.Logger

	sessionOpts   []session.Option
	reconcileOpts []reconcile.Option
	subIDGen      func() string

	published *simplelru.LRU[string, struct{}]
}

// Dial opens a websocket connection to url and starts routing inbound
// frames.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	ws, err := session.DialWebsocket(ctx, url)
	if err != nil {
		return nil, err
	}
	return newClient(ws, opts...), nil
}

// New wraps an already-connected Transport, primarily for tests.
func New(transport session.Transport, opts ...Option) *Client {
	return newClient(transport, opts...)
}

func newClient(transport session.Transport, opts ...Option) *Client {
	cache, err := simplelru.NewLRU[string, struct{}](publishDedupeSize, nil)
	if err != nil {
		panic("client: failed to create LRU cache: " + err.Error())
	}
	c := &Client{
		transport: transport,
		router:    session.NewRouter(transport),
		log:       zap.NewNop(),
		subIDGen:  session.NextSubID,
		published: cache,
	}
	for _, opt := range opts {
		opt(c)
	}
	go func() {
		if err := c.router.Run(context.Background()); err != nil {
			c.log.Debug("client: router stopped", zap.Error(err))
		}
	}()
	return c
}

// Sync reconciles myEvents (a map of lowercase-hex event id to created-at
// timestamp) against filter, returning the ids the client has that the
// relay lacks (have) and the ids it lacks that the relay has (need).
func (c *Client) Sync(ctx context.Context, myEvents map[string]uint64, filter Filter) (have, need []string, err error) {
	store, err := storage.FromHexMap(myEvents)
	if err != nil {
		return nil, nil, fmt.Errorf("client: sync: %w", err)
	}

	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, nil, fmt.Errorf("client: sync: encode filter: %w", err)
	}

	subID := c.subIDGen()
	frames := c.router.Register(subID)
	defer c.router.Unregister(subID)

	// c.sessionOpts/c.reconcileOpts come from Config and never set subID or
	// logger, but apply them first regardless so Sync's own choices always win.
	sessOpts := append(append([]session.Option{}, c.sessionOpts...), session.WithSubID(subID), session.WithLogger(c.log))
	recOpts := append(append([]reconcile.Option{}, c.reconcileOpts...), reconcile.WithLogger(c.log))

	s := session.New(routedTransport{c.router, frames}, filterJSON, sessOpts...)
	return s.Run(ctx, store, recOpts...)
}

// SyncAndFetch calls Sync, then issues a REQ for the resulting need ids over
// the shared transport and collects the matching events until EOSE.
func (c *Client) SyncAndFetch(ctx context.Context, myEvents map[string]uint64, filter Filter) ([]Event, error) {
	_, need, err := c.Sync(ctx, myEvents, filter)
	if err != nil {
		return nil, err
	}
	return c.FetchByIDs(ctx, need)
}

// FetchByIDs issues a REQ for exactly ids and collects the matching events
// until EOSE, without running a reconciliation first. SyncAndFetch uses this
// internally once Sync has determined which ids are missing.
func (c *Client) FetchByIDs(ctx context.Context, ids []string) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return c.fetch(ctx, NewFilter().IDs(ids...))
}

// fetch issues a REQ for filter and collects EVENT frames until EOSE.
func (c *Client) fetch(ctx context.Context, filter Filter) ([]Event, error) {
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("client: fetch: encode filter: %w", err)
	}

	subID := c.subIDGen()
	frames := c.router.Register(subID)
	defer c.router.Unregister(subID)

	if err := c.router.Send(ctx, session.Envelope{Kind: session.KindReq, SubID: subID, Filter: filterJSON}); err != nil {
		return nil, fmt.Errorf("client: fetch: %w", err)
	}

	var events []Event
	for {
		select {
		case env, ok := <-frames:
			if !ok {
				return nil, fmt.Errorf("client: fetch: %w", session.ErrTransportDown)
			}
			switch env.Kind {
			case session.KindEvent:
				var ev Event
				if err := json.Unmarshal(env.Event, &ev); err != nil {
					c.log.Debug("client: dropping unparseable EVENT", zap.Error(err))
					continue
				}
				events = append(events, ev)
			case session.KindEOSE:
				return events, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("client: fetch: %w", ctx.Err())
		}
	}
}

// Publish sends ev and awaits the relay's OK response.
func (c *Client) Publish(ctx context.Context, ev Event) (accepted bool, message string, err error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, "", fmt.Errorf("client: publish: encode event: %w", err)
	}

	if _, dup := c.published.Get(ev.ID); dup {
		c.log.Debug("client: re-publishing already-seen event", zap.String("id", ev.ID))
	}

	// OK frames carry the event id in the slot Envelope.SubID occupies for
	// every other kind, so registering under ev.ID routes them here.
	frames := c.router.Register(ev.ID)
	defer c.router.Unregister(ev.ID)

	if err := c.router.Send(ctx, session.Envelope{Kind: session.KindEvent, Event: payload}); err != nil {
		return false, "", fmt.Errorf("client: publish: %w", err)
	}

	select {
	case env, ok := <-frames:
		if !ok {
			return false, "", fmt.Errorf("client: publish: %w", session.ErrTransportDown)
		}
		if env.Kind != session.KindOK {
			return false, "", fmt.Errorf("client: publish: %w: unexpected frame kind %q", session.ErrPeer, env.Kind)
		}
		c.published.Add(ev.ID, struct{}{})
		return env.OK, env.OKMsg, nil
	case <-ctx.Done():
		return false, "", fmt.Errorf("client: publish: %w", ctx.Err())
	}
}

// Close tears down the router and the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// routedTransport adapts a shared Router + a single subscription's inbound
// channel into the standalone session.Transport interface Session expects,
// so multiple Sessions can run concurrently over one connection.
type routedTransport struct {
	router *session.Router
	frames <-chan session.Envelope
}

func (t routedTransport) Send(ctx context.Context, msg []byte) error {
	var env session.Envelope
	if err := env.UnmarshalJSON(msg); err != nil {
		return fmt.Errorf("client: routedTransport: %w", err)
	}
	return t.router.Send(ctx, env)
}

func (t routedTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case env, ok := <-t.frames:
		if !ok {
			return nil, errors.New("client: routedTransport: subscription closed")
		}
		return env.MarshalJSON()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t routedTransport) Close() error { return nil }

// SyncResult is one Sync outcome from SyncMany, keyed by the index of its
// request in the input slice.
type SyncResult struct {
	Have, Need []string
	Err        error
}

// SyncMany runs Sync concurrently for each (myEvents, filter) pair over the
// shared connection — each gets its own subscription id on the same Router,
// so the round trips interleave rather than queue behind one another.
func (c *Client) SyncMany(ctx context.Context, reqs []SyncRequest) []SyncResult {
	results := make([]SyncResult, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			have, need, err := c.Sync(ctx, req.MyEvents, req.Filter)
			results[i] = SyncResult{Have: have, Need: need, Err: err}
			return nil
		})
	}
	_ = g.Wait() // per-request errors are carried in results; g.Go never returns non-nil
	return results
}

// SyncRequest is one Sync call's input, for use with SyncMany.
type SyncRequest struct {
	MyEvents map[string]uint64
	Filter   Filter
}
