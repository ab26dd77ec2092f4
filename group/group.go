// Package group manages a set of connections that share one routing tag,
// such as every worker serving one role. A master polls the group for the
// next member with inbound data and broadcasts to all members at once.
//
// Readiness probing is fair: each scan starts at the member after the one
// last returned, so a member that is always ready cannot starve the others.
package group

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/tbflow/buffer"
	"github.com/drblury/tbflow/connection"
	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/internal/runtime/logging"
	"github.com/drblury/tbflow/internal/runtime/metrics"
	"github.com/drblury/tbflow/transport"
)

// DefaultMaxMembers bounds a group when Config.MaxMembers is zero.
const DefaultMaxMembers = 64

// DialFunc opens the channel to one member.
type DialFunc func(ctx context.Context, rank, tag int) (transport.Channel, error)

// Config describes a group.
type Config struct {
	Name string
	// Tag is shared by every member.
	Tag int
	// Source is broadcast by WriteAll. It may be nil for a receive-only group.
	Source buffer.Buffer
	// Prototype is cloned into one destination buffer per member. It may be
	// nil for a send-only group.
	Prototype buffer.Buffer
	Dial      DialFunc
	// MaxMembers caps AddConnection. Zero means DefaultMaxMembers.
	MaxMembers int

	MaxRecordSize int
	PollInterval  time.Duration
	Logger        logging.ServiceLogger
	Metrics       *metrics.Metrics
}

// Member is one connection of a group.
type Member struct {
	Seq  int
	Rank int
	Conn *connection.Connection
}

// Group is a set of connections sharing a tag.
type Group struct {
	cfg    Config
	logger logging.ServiceLogger

	mu      sync.Mutex
	members []Member
	next    int
	closed  bool
}

// New validates cfg and creates an empty group.
func New(cfg Config) (*Group, error) {
	if cfg.Dial == nil {
		return nil, errors.New("group: dial function is required")
	}
	if err := transport.CheckTag(cfg.Tag); err != nil {
		return nil, err
	}
	if cfg.Prototype != nil && !cfg.Prototype.IsPrototype() {
		return nil, fmt.Errorf("group %s: destination template must be a prototype", cfg.Name)
	}
	if cfg.MaxMembers < 0 {
		return nil, fmt.Errorf("%w: group %s max members %d", errspkg.ErrCapacityExceeded, cfg.Name, cfg.MaxMembers)
	}
	if cfg.MaxMembers == 0 {
		cfg.MaxMembers = DefaultMaxMembers
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("group-%d", cfg.Tag)
	}
	return &Group{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "group", cfg.Name, logging.LogFields{"tag": cfg.Tag}),
	}, nil
}

func (g *Group) Name() string { return g.cfg.Name }
func (g *Group) Tag() int     { return g.cfg.Tag }

// MaxMembers returns the member cap.
func (g *Group) MaxMembers() int { return g.cfg.MaxMembers }

// AddConnection dials rank and adds the connection as the next member. It
// returns the member's sequence number, or ErrCapacityExceeded once the
// group holds MaxMembers connections.
func (g *Group) AddConnection(ctx context.Context, rank, tag int) (int, error) {
	if tag != g.cfg.Tag {
		return 0, fmt.Errorf("%w: group %s carries tag %d, not %d", errspkg.ErrUnsupported, g.cfg.Name, g.cfg.Tag, tag)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, errspkg.ErrChannelClosed
	}

	seq := len(g.members)
	if seq >= g.cfg.MaxMembers {
		return 0, fmt.Errorf("%w: group %s already has %d members", errspkg.ErrCapacityExceeded, g.cfg.Name, seq)
	}
	ch, err := g.cfg.Dial(ctx, rank, tag)
	if err != nil {
		return 0, fmt.Errorf("group %s: dial rank %d: %w", g.cfg.Name, rank, err)
	}
	var dst buffer.Buffer
	if g.cfg.Prototype != nil {
		dst = g.cfg.Prototype.Clone(fmt.Sprintf("%s/%d", g.cfg.Name, seq))
		dst.Allocate()
	}
	conn, err := connection.New(connection.Config{
		Name:          fmt.Sprintf("%s/%d", g.cfg.Name, seq),
		Source:        g.cfg.Source,
		Destination:   dst,
		Channel:       ch,
		Peer:          rank,
		Tag:           tag,
		MaxRecordSize: g.cfg.MaxRecordSize,
		PollInterval:  g.cfg.PollInterval,
		Logger:        g.cfg.Logger,
		Metrics:       g.cfg.Metrics,
	})
	if err != nil {
		_ = ch.Close()
		return 0, err
	}
	g.members = append(g.members, Member{Seq: seq, Rank: rank, Conn: conn})
	g.logger.Debug("Member added", logging.LogFields{"seq": seq, "rank": rank})
	return seq, nil
}

// Len returns the number of members.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Connection returns the connection of member seq.
func (g *Group) Connection(seq int) (*connection.Connection, bool) {
	m, ok := g.Member(seq)
	return m.Conn, ok
}

// Member returns member seq.
func (g *Group) Member(seq int) (Member, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq < 0 || seq >= len(g.members) {
		return Member{}, false
	}
	return g.members[seq], true
}

// GetReadyConnection returns the first member with inbound data, scanning
// from the member after the one last returned. It never blocks. Members
// are polled without holding the group lock.
func (g *Group) GetReadyConnection() (int, bool) {
	g.mu.Lock()
	members := g.members[:len(g.members):len(g.members)]
	start := g.next
	g.mu.Unlock()

	n := len(members)
	for i := range n {
		seq := (start + i) % n
		if !members[seq].Conn.Ready() {
			continue
		}
		g.mu.Lock()
		// A concurrent scan may have moved on already; keep the later cursor.
		if g.next == start {
			g.next = (seq + 1) % len(g.members)
		}
		g.mu.Unlock()
		return seq, true
	}
	return 0, false
}

// MemberError is the failure of one member during WriteAll.
type MemberError struct {
	Seq  int
	Rank int
	Err  error
}

// WriteAllError lists the members a broadcast did not reach.
type WriteAllError struct {
	Failures []MemberError
}

func (e *WriteAllError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("member %d (rank %d): %v", f.Seq, f.Rank, f.Err)
	}
	return fmt.Sprintf("tbflow: broadcast failed for %d member(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every member's error to errors.Is and errors.As.
func (e *WriteAllError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// WriteAll writes the source buffer to every member in sequence order. A
// failing member does not stop the others; all failures are returned
// together as a *WriteAllError.
func (g *Group) WriteAll(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errspkg.ErrChannelClosed
	}
	members := append([]Member(nil), g.members...)
	g.mu.Unlock()

	var failures []MemberError
	for _, m := range members {
		if err := m.Conn.Write(ctx); err != nil {
			g.logger.Error("Broadcast to member failed", err, logging.LogFields{"seq": m.Seq, "rank": m.Rank})
			failures = append(failures, MemberError{Seq: m.Seq, Rank: m.Rank, Err: err})
		}
	}
	if len(failures) > 0 {
		return &WriteAllError{Failures: failures}
	}
	return nil
}

// Close disconnects every member.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	members := g.members
	g.mu.Unlock()

	var errs []error
	for _, m := range members {
		errs = append(errs, m.Conn.Disconnect())
	}
	return errors.Join(errs...)
}

// RegistryDialer dials members through a transport registry. Every member
// is built from the given endpoint template with Peer and Tag filled in.
func RegistryDialer(reg *transport.Registry, backend string, cfg transport.Config, template transport.Endpoint, logger watermill.LoggerAdapter) DialFunc {
	return func(ctx context.Context, rank, tag int) (transport.Channel, error) {
		ep := template
		ep.Peer = rank
		ep.Tag = tag
		return reg.Build(ctx, backend, cfg, ep, logger)
	}
}
