package transporttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

func TestPipeMovesChunks(t *testing.T) {
	p := NewPipe(3)
	a, b := p.End(0), p.End(1)

	n, err := a.TrySend([]byte("abcdefg"), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, p.Pending(0, 1, 2))
	assert.True(t, b.Ready(0, 2))

	buf := make([]byte, 8)
	n, err = b.TryRecv(buf, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	_, err = b.TryRecv(buf, 0, 2)
	assert.ErrorIs(t, err, errspkg.ErrWouldBlock)

	sends, recvs := p.Calls()
	assert.Equal(t, 1, sends)
	assert.Equal(t, 2, recvs)
}

func TestPipeBlockingCalls(t *testing.T) {
	p := NewPipe(1)
	a, b := p.End(0), p.End(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	got := make([]byte, 4)
	go func() { done <- b.Recv(ctx, got, 0, 0) }()

	require.NoError(t, a.Send(ctx, []byte("wxyz"), 1, 0))
	require.NoError(t, <-done)
	assert.Equal(t, "wxyz", string(got))
}

func TestPipeFaultsAndClose(t *testing.T) {
	p := NewPipe(0)
	a, b := p.End(0), p.End(1)

	p.FailSend(ErrInjected)
	_, err := a.TrySend([]byte{1}, 1, 0)
	assert.ErrorIs(t, err, ErrInjected)
	p.FailSend(nil)

	p.Inject(0, 1, 0, []byte{9, 9})
	p.FailRecv(ErrInjected)
	_, err = b.TryRecv(make([]byte, 2), 0, 0)
	assert.ErrorIs(t, err, ErrInjected)
	p.FailRecv(nil)

	p.SetBlocking(true)
	assert.True(t, a.IsBlocking())

	require.NoError(t, a.Close())
	n, err := b.TryRecv(make([]byte, 2), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = b.TryRecv(make([]byte, 2), 0, 0)
	assert.ErrorIs(t, err, errspkg.ErrChannelClosed)
	assert.ErrorIs(t, a.Send(context.Background(), []byte{1}, 1, 0), errspkg.ErrChannelClosed)
}

func TestPipeRejectsForeignRoutes(t *testing.T) {
	e := NewPipe(0).End(0)
	_, err := e.TrySend([]byte{1}, -1, 0)
	assert.ErrorIs(t, err, errspkg.ErrUnsupported)
	assert.False(t, e.ConnectionPossible(2, 3))
}

func TestPipeCapacityBoundsTrySend(t *testing.T) {
	p := NewPipe(0)
	p.SetCapacity(3)
	a, b := p.End(0), p.End(1)

	n, err := a.TrySend([]byte("abcde"), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = a.TrySend([]byte("de"), 1, 0)
	assert.ErrorIs(t, err, errspkg.ErrWouldBlock)

	buf := make([]byte, 2)
	_, err = b.TryRecv(buf, 0, 0)
	require.NoError(t, err)
	n, err = a.TrySend([]byte("de"), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, p.Pending(0, 1, 0))
}
