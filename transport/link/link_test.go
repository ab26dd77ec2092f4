package link

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/transport"
)

var (
	macA = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xa}
	macB = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xb}
)

// fakeSocket delivers frames to its peer's queue. drop, when set, is
// consulted for every outgoing frame.
type fakeSocket struct {
	mac    net.HardwareAddr
	mtu    int
	in     chan []byte
	peer   *fakeSocket
	drop   func(seq uint32) bool
	once   sync.Once
	closed chan struct{}
}

func newFakePair(mtu int) (*fakeSocket, *fakeSocket) {
	a := &fakeSocket{mac: macA, mtu: mtu, in: make(chan []byte, 256), closed: make(chan struct{})}
	b := &fakeSocket{mac: macB, mtu: mtu, in: make(chan []byte, 256), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (s *fakeSocket) ReadFrame(buf []byte) (int, error) {
	select {
	case f := <-s.in:
		return copy(buf, f), nil
	case <-s.closed:
		return 0, ErrSocketClosed
	}
}

func (s *fakeSocket) WriteFrame(frame []byte, _ net.HardwareAddr) error {
	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}
	if s.drop != nil {
		f, err := ParseFrame(frame)
		if err == nil && s.drop(f.Seq) {
			return nil
		}
	}
	s.peer.in <- append([]byte(nil), frame...)
	return nil
}

func (s *fakeSocket) HardwareAddr() net.HardwareAddr { return s.mac }
func (s *fakeSocket) MTU() int                       { return s.mtu }

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Dst: macB, Src: macA, Tag: 7, SrcRank: 3, Seq: 0x01020304, Last: true, Payload: []byte("data")}
	b := AppendFrame(nil, f)
	require.Len(t, b, EthernetHeaderSize+FrameHeaderSize+4)
	assert.Equal(t, []byte{0x88, 0xb5, 0, 7, 0, 3, 1, 2, 3, 4, 1}, b[12:23])

	got, err := ParseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, f.Tag, got.Tag)
	assert.Equal(t, f.SrcRank, got.SrcRank)
	assert.Equal(t, f.Seq, got.Seq)
	assert.True(t, got.Last)
	assert.Equal(t, "data", string(got.Payload))
	assert.Equal(t, macB.String(), got.Dst.String())
}

func TestParseFrameRejects(t *testing.T) {
	_, err := ParseFrame(make([]byte, 10))
	assert.ErrorIs(t, err, errspkg.ErrTruncatedOrCorrupt)

	b := AppendFrame(nil, Frame{Dst: macB, Src: macA})
	b[12] = 0x08
	_, err = ParseFrame(b)
	assert.ErrorIs(t, err, errspkg.ErrUnknownType)

	b = AppendFrame(nil, Frame{Dst: macB, Src: macA})
	b[EthernetHeaderSize+8] = 2
	_, err = ParseFrame(b)
	assert.ErrorIs(t, err, errspkg.ErrTruncatedOrCorrupt)
}

func TestFragmentAndReassemble(t *testing.T) {
	var frames []Frame
	next, err := Fragment([]byte("0123456789"), FrameHeaderSize+4, Frame{SrcRank: 1, Tag: 2}, 5, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 8, next)
	require.Len(t, frames, 3)
	assert.False(t, frames[0].Last)
	assert.True(t, frames[2].Last)

	r := NewReassembler()
	for i, f := range frames {
		msg, err := r.Add(f)
		require.NoError(t, err)
		if i < 2 {
			assert.Nil(t, msg)
		} else {
			assert.Equal(t, "0123456789", string(msg))
		}
	}

	_, err = Fragment(nil, FrameHeaderSize, Frame{}, 0, func(Frame) error { return nil })
	assert.Error(t, err)
}

func TestReassemblerDetectsGap(t *testing.T) {
	r := NewReassembler()
	_, err := r.Add(Frame{SrcRank: 1, Tag: 1, Seq: 0})
	require.NoError(t, err)
	_, err = r.Add(Frame{SrcRank: 1, Tag: 1, Seq: 2, Last: true})
	assert.ErrorIs(t, err, errspkg.ErrTruncatedOrCorrupt)
	assert.ErrorIs(t, r.Err(1, 1), errspkg.ErrTruncatedOrCorrupt)
	assert.NoError(t, r.Err(1, 2), "routes are independent")

	r.Reset(1, 1)
	_, err = r.Add(Frame{SrcRank: 1, Tag: 1, Seq: 9, Last: true})
	assert.NoError(t, err)
}

func newPair(t *testing.T, mtu int) (*Channel, *Channel, *fakeSocket) {
	t.Helper()
	sa, sb := newFakePair(mtu)
	a, err := New(sa, 0, map[int]net.HardwareAddr{1: macB}, nil)
	require.NoError(t, err)
	b, err := New(sb, 1, map[int]net.HardwareAddr{0: macA}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b, sa
}

func TestChannelTransfersAcrossFrames(t *testing.T) {
	a, b, _ := newPair(t, FrameHeaderSize+3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, []byte("fragmented payload"), 1, 4))
	p := make([]byte, len("fragmented payload"))
	require.NoError(t, b.Recv(ctx, p, 0, 4))
	assert.Equal(t, "fragmented payload", string(p))

	n, err := a.TrySend([]byte("again"), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Eventually(t, func() bool { return b.Ready(0, 4) }, time.Second, time.Millisecond)
	got := make([]byte, 5)
	n, err = b.TryRecv(got, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "again", string(got[:n]))
}

func TestChannelReportsLostFrames(t *testing.T) {
	a, b, sa := newPair(t, FrameHeaderSize+2)
	sa.drop = func(seq uint32) bool { return seq == 1 }

	require.NoError(t, a.Send(context.Background(), []byte("abcdef"), 1, 0))
	require.Eventually(t, func() bool {
		_, err := b.TryRecv(make([]byte, 6), 0, 0)
		return err != nil && errspkg.IsFatal(err)
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, b.Recv(context.Background(), make([]byte, 1), 0, 0), errspkg.ErrTruncatedOrCorrupt)

	b.ResetRoute(0, 0)
	_, err := b.TryRecv(make([]byte, 1), 0, 0)
	assert.ErrorIs(t, err, errspkg.ErrWouldBlock)
}

func TestChannelRoutes(t *testing.T) {
	a, _, _ := newPair(t, DefaultMTU)
	assert.True(t, a.ConnectionPossible(0, 1))
	assert.True(t, a.ConnectionPossible(1, 0))
	assert.False(t, a.ConnectionPossible(0, 2))
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x"), 2, 0), errspkg.ErrUnsupported)
}

func TestCloseEndsReceivers(t *testing.T) {
	sa, sb := newFakePair(DefaultMTU)
	a, err := New(sa, 0, map[int]net.HardwareAddr{1: macB}, nil)
	require.NoError(t, err)
	defer sb.Close()

	done := make(chan error, 1)
	go func() { done <- a.Recv(context.Background(), make([]byte, 1), 1, 0) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, <-done, errspkg.ErrChannelClosed)
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x"), 1, 0), errspkg.ErrChannelClosed)
}

func TestBuildValidation(t *testing.T) {
	ctx := context.Background()
	_, err := Build(ctx, nil, transport.Endpoint{}, nil)
	assert.Error(t, err)
	_, err = Build(ctx, nil, transport.Endpoint{Interface: "eth0", PeerMAC: "zz"}, nil)
	assert.Error(t, err)

	sa, _ := newFakePair(DefaultMTU)
	orig := SocketFactory
	SocketFactory = func(string) (Socket, error) { return sa, nil }
	defer func() { SocketFactory = orig }()

	ch, err := Build(ctx, nil, transport.Endpoint{Local: 0, Peer: 1, Interface: "eth0", PeerMAC: macB.String()}, nil)
	require.NoError(t, err)
	assert.True(t, ch.ConnectionPossible(0, 1))
	require.NoError(t, ch.Close())
}

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)
	assert.Equal(t, transport.LinkCapabilities, reg.GetCapabilities(TransportName))
	assert.Equal(t, transport.LinkCapabilities, Capabilities())
}
