// Package broker adapts a Watermill publisher/subscriber pair into a rank
// channel. Every transfer is published as one or more messages on the topic
// <prefix>.<dst>.<src>.<tag>; the receiving side subscribes per (src, tag)
// and re-chunks payloads into its read sizes. Concrete brokers live in the
// binding sub-packages and register themselves with a Bindings set.
package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/internal/runtime/ids"
	"github.com/drblury/tbflow/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "broker"

// DefaultBinding is used when an endpoint names no binding.
const DefaultBinding = "gochannel"

// Metadata keys stamped on every published message.
const (
	MetadataSource = "tbflow_src"
	MetadataTag    = "tbflow_tag"
	MetadataPart   = "tbflow_part"
)

// TopicFunc names the topic carrying src to dst on tag.
type TopicFunc func(prefix string, dst, src, tag int) string

// PubSub is what a binding hands the channel.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Shared marks a pair owned elsewhere; Close leaves it open.
	Shared bool
	// MaxMessageSize splits sends into parts of at most this many bytes.
	// Zero means unlimited.
	MaxMessageSize int
	// Topic replaces transport.Subject for brokers with restricted names.
	Topic TopicFunc
	// Base64 carries payloads as base64 text for brokers that only accept
	// UTF-8 message bodies. MaxMessageSize still counts raw bytes.
	Base64 bool
	// Release runs after an owned pair is closed, for connections the
	// publisher and subscriber share.
	Release func() error
}

// Binding creates the PubSub for a broker from config.
type Binding func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (PubSub, error)

// Bindings maps binding names to constructors.
type Bindings struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewBindings creates an empty binding set.
func NewBindings() *Bindings {
	return &Bindings{bindings: make(map[string]Binding)}
}

// DefaultBindings is the set used by Build.
var DefaultBindings = NewBindings()

// Register adds or replaces a binding.
func (b *Bindings) Register(name string, binding Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[name] = binding
}

// Get returns the binding registered under name.
func (b *Bindings) Get(name string) (Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	binding, ok := b.bindings[name]
	return binding, ok
}

// Names returns the registered binding names, sorted.
func (b *Bindings) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.bindings))
	for name := range b.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register registers the broker backend with reg, resolving bindings from set.
func Register(reg *transport.Registry, set *Bindings) {
	reg.Register(TransportName, Builder(set), transport.BrokerCapabilities)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.BrokerCapabilities
}

// Build resolves ep.Binding from DefaultBindings.
func Build(ctx context.Context, cfg transport.Config, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Channel, error) {
	return Builder(DefaultBindings)(ctx, cfg, ep, logger)
}

// Builder returns a transport.Builder resolving ep.Binding from set. For the
// receive role the inbound route is subscribed before the builder returns.
func Builder(set *Bindings) transport.Builder {
	return func(ctx context.Context, cfg transport.Config, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Channel, error) {
		name := strings.ToLower(ep.Binding)
		if name == "" {
			name = DefaultBinding
		}
		binding, ok := set.Get(name)
		if !ok {
			return nil, fmt.Errorf("broker: unknown binding %q (registered: %v)", name, set.Names())
		}
		ps, err := binding(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("broker: %s: %w", name, err)
		}
		ch := New(ps, cfg.GetSubjectPrefix(), ep.Local, logger)
		if ep.Role == transport.RoleRecv {
			if err := ch.Subscribe(ep.Peer, ep.Tag); err != nil {
				_ = ch.Close()
				return nil, err
			}
		}
		return ch, nil
	}
}

// Channel is one rank's view of a broker.
type Channel struct {
	ps     PubSub
	prefix string
	local  int
	inbox  *transport.Inbox
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[[2]int]struct{}
	closed bool
}

var (
	_ transport.BlockingChannel    = (*Channel)(nil)
	_ transport.NonBlockingChannel = (*Channel)(nil)
	_ transport.Prober             = (*Channel)(nil)
)

// New creates a channel for rank local over ps.
func New(ps PubSub, prefix string, local int, logger watermill.LoggerAdapter) *Channel {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if ps.Topic == nil {
		ps.Topic = transport.Subject
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		ps:     ps,
		prefix: prefix,
		local:  local,
		inbox:  transport.NewInbox(),
		logger: logger.With(watermill.LogFields{"rank": local}),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[[2]int]struct{}),
	}
}

func (c *Channel) Name() string     { return TransportName }
func (c *Channel) IsBlocking() bool { return true }

// ConnectionPossible reports whether either end of the transfer is this rank.
func (c *Channel) ConnectionPossible(src, dst int) bool {
	return src >= 0 && dst >= 0 && (src == c.local || dst == c.local)
}

// Topic returns the topic carrying src to dst on tag.
func (c *Channel) Topic(dst, src, tag int) string {
	return c.ps.Topic(c.prefix, dst, src, tag)
}

// Subscribe starts buffering messages from src on tag.
func (c *Channel) Subscribe(src, tag int) error {
	if err := transport.CheckRoute(c, src, c.local, tag); err != nil {
		return err
	}
	if c.ps.Subscriber == nil {
		return fmt.Errorf("%w: broker has no subscriber", errspkg.ErrUnsupported)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := [2]int{src, tag}
	if _, ok := c.subs[key]; ok {
		return nil
	}
	if c.closed {
		return errspkg.ErrChannelClosed
	}
	topic := c.Topic(c.local, src, tag)
	messages, err := c.ps.Subscriber.Subscribe(c.ctx, topic)
	if err != nil {
		return err
	}
	c.subs[key] = struct{}{}
	c.wg.Add(1)
	go c.consume(messages, src, tag, topic)
	c.logger.Debug("Subscribed", watermill.LogFields{"topic": topic})
	return nil
}

func (c *Channel) consume(messages <-chan *message.Message, src, tag int, topic string) {
	defer c.wg.Done()
	for msg := range messages {
		payload, err := c.decode(msg.Payload)
		if err != nil {
			// The route's byte stream now has a hole; nothing after it can be framed.
			c.logger.Error("Undecodable message poisoned route", err, watermill.LogFields{"topic": topic, "message_uuid": msg.UUID})
			c.inbox.Poison(src, tag, fmt.Errorf("broker message %s on %s: %w", msg.UUID, topic, err))
			msg.Ack()
			continue
		}
		if err := c.inbox.Push(src, tag, payload); err != nil {
			c.logger.Debug("Dropped message", watermill.LogFields{"topic": topic, "message_uuid": msg.UUID, "reason": err.Error()})
		}
		msg.Ack()
	}
}

func (c *Channel) publish(ctx context.Context, p []byte, dst, tag int) error {
	if err := transport.CheckRoute(c, c.local, dst, tag); err != nil {
		return err
	}
	if c.ps.Publisher == nil {
		return fmt.Errorf("%w: broker has no publisher", errspkg.ErrUnsupported)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errspkg.ErrChannelClosed
	}

	topic := c.Topic(dst, c.local, tag)
	limit := c.ps.MaxMessageSize
	if limit <= 0 {
		limit = max(len(p), 1)
	}
	part := 0
	for off := 0; off < len(p); off += limit {
		end := min(off+limit, len(p))
		msg := message.NewMessage(ids.CreateULID(), c.encode(p[off:end]))
		msg.Metadata.Set(MetadataSource, strconv.Itoa(c.local))
		msg.Metadata.Set(MetadataTag, strconv.Itoa(tag))
		msg.Metadata.Set(MetadataPart, strconv.Itoa(part))
		msg.SetContext(ctx)
		if err := c.ps.Publisher.Publish(topic, msg); err != nil {
			return fmt.Errorf("broker: publish %s: %w", topic, err)
		}
		part++
	}
	return nil
}

func (c *Channel) encode(part []byte) []byte {
	if !c.ps.Base64 {
		return append([]byte(nil), part...)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(part)))
	base64.StdEncoding.Encode(out, part)
	return out
}

func (c *Channel) decode(payload []byte) ([]byte, error) {
	if !c.ps.Base64 {
		return append([]byte(nil), payload...), nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(out, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrTruncatedOrCorrupt, err)
	}
	return out[:n], nil
}

// Send publishes p, split at the binding's max message size.
func (c *Channel) Send(ctx context.Context, p []byte, dst, tag int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.publish(ctx, p, dst, tag)
}

// TrySend publishes p. Publishing never waits for the receiver.
func (c *Channel) TrySend(p []byte, dst, tag int) (int, error) {
	if err := c.publish(context.Background(), p, dst, tag); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Recv fills p from the (src, tag) route, subscribing on first use.
func (c *Channel) Recv(ctx context.Context, p []byte, src, tag int) error {
	if err := c.Subscribe(src, tag); err != nil {
		return err
	}
	return c.inbox.Recv(ctx, p, src, tag)
}

// TryRecv copies buffered bytes from the (src, tag) route.
func (c *Channel) TryRecv(p []byte, src, tag int) (int, error) {
	if err := c.Subscribe(src, tag); err != nil {
		return 0, err
	}
	return c.inbox.TryRecv(p, src, tag)
}

// Ready reports whether messages from src on tag are buffered.
func (c *Channel) Ready(src, tag int) bool {
	if c.Subscribe(src, tag) != nil {
		return false
	}
	return c.inbox.Ready(src, tag)
}

// Close cancels every subscription and, unless the pair is shared, closes
// the publisher and subscriber.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	var errs []error
	if !c.ps.Shared {
		if c.ps.Publisher != nil {
			errs = append(errs, c.ps.Publisher.Close())
		}
		if c.ps.Subscriber != nil && any(c.ps.Subscriber) != any(c.ps.Publisher) {
			errs = append(errs, c.ps.Subscriber.Close())
		}
		if c.ps.Release != nil {
			errs = append(errs, c.ps.Release())
		}
	}
	c.wg.Wait()
	c.inbox.Close()
	return errors.Join(errs...)
}
