package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestProcess(t *testing.T) (*Kernel, *Process) {
	t.Helper()
	k := NewKernel()
	return k, k.NewProcess(k.InitProcess())
}

func TestPipeWriteThenRead(t *testing.T) {
	k, p := newTestProcess(t)

	rfid, wfid, err := k.Pipe(p)
	require.NoError(t, err)
	require.NotEqual(t, rfid, wfid)

	n, err := k.Write(p, wfid, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = k.Read(p, rfid, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	k, p := newTestProcess(t)
	rfid, wfid, err := k.Pipe(p)
	require.NoError(t, err)

	done := make(chan struct{})
	var got string
	go func() {
		buf := make([]byte, 16)
		n, err := k.Read(p, rfid, buf)
		require.NoError(t, err)
		got = string(buf[:n])
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("read returned before any write occurred")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = k.Write(p, wfid, []byte("world"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read never woke up after write")
	}
	require.Equal(t, "world", got)
}

func TestPipeSingleWriteCycleStopsAtFull(t *testing.T) {
	k, p := newTestProcess(t)
	rfid, wfid, err := k.Pipe(p)
	require.NoError(t, err)

	payload := make([]byte, PipeBufferSize+1)
	n, err := k.Write(p, wfid, payload)
	require.NoError(t, err)
	require.Equal(t, PipeBufferSize-1, n, "ring holds capacity-1 bytes before a read frees space")

	done := make(chan int, 1)
	go func() {
		n2, err := k.Write(p, wfid, payload[n:])
		require.NoError(t, err)
		done <- n2
	}()

	select {
	case <-done:
		t.Fatal("second write should block until the reader frees space")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 4)
	rn, err := k.Read(p, rfid, buf)
	require.NoError(t, err)
	require.True(t, rn >= 2)

	select {
	case n2 := <-done:
		require.Equal(t, 2, n2)
	case <-time.After(time.Second):
		t.Fatal("blocked write never resumed after the read freed space")
	}
}

func TestPipeReadDrainsOnWriterClose(t *testing.T) {
	k, p := newTestProcess(t)
	rfid, wfid, err := k.Pipe(p)
	require.NoError(t, err)

	_, err = k.Write(p, wfid, []byte("ab"))
	require.NoError(t, err)
	require.NoError(t, k.Close(p, wfid))

	buf := make([]byte, 16)
	n, err := k.Read(p, rfid, buf)
	require.NoError(t, err)
	require.Equal(t, "ab", string(buf[:n]))

	n, err = k.Read(p, rfid, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n, "read after drain on a closed writer must return EOF, not block")
}

func TestPipeWriteAfterReaderCloseFails(t *testing.T) {
	k, p := newTestProcess(t)
	rfid, wfid, err := k.Pipe(p)
	require.NoError(t, err)
	require.NoError(t, k.Close(p, rfid))

	_, err = k.Write(p, wfid, []byte("x"))
	require.ErrorIs(t, err, ErrPeerClosed)
}

func TestPipeWrongDirectionIsRejected(t *testing.T) {
	k, p := newTestProcess(t)
	rfid, wfid, err := k.Pipe(p)
	require.NoError(t, err)

	_, err = k.Write(p, rfid, []byte("x"))
	require.ErrorIs(t, err, ErrWrongRole)

	buf := make([]byte, 4)
	_, err = k.Read(p, wfid, buf)
	require.ErrorIs(t, err, ErrWrongRole)
}

func TestPipeLargeWriteWrapsRingOverMultipleReads(t *testing.T) {
	k, p := newTestProcess(t)
	rfid, wfid, err := k.Pipe(p)
	require.NoError(t, err)

	payload := make([]byte, PipeBufferSize*3)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	recv := make([]byte, 0, len(payload))
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 997) // awkward size to force many partial reads
		for len(recv) < len(payload) {
			n, err := k.Read(p, rfid, buf)
			require.NoError(t, err)
			if n == 0 {
				break
			}
			recv = append(recv, buf[:n]...)
		}
	}()

	written := 0
	for written < len(payload) {
		n, err := k.Write(p, wfid, payload[written:])
		require.NoError(t, err)
		written += n
	}
	require.NoError(t, k.Close(p, wfid))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader never drained the full payload")
	}
	require.Equal(t, payload, recv)
}

func TestPipeReservationIsAllOrNothing(t *testing.T) {
	k, p := newTestProcess(t)

	// Fill the handle table to one slot short of full.
	var fids []int
	for i := 0; i < MaxFileDescriptors-1; i++ {
		fid, err := k.Socket(p, 0)
		require.NoError(t, err)
		fids = append(fids, fid)
	}

	_, _, err := k.Pipe(p)
	require.ErrorIs(t, err, ErrHandleTableFull, "a two-handle reservation must fail atomically when only one slot is free")

	fid, err := k.Socket(p, 0)
	require.NoError(t, err, "the failed Pipe reservation must not have consumed the remaining free slot")
	fids = append(fids, fid)
	require.Len(t, fids, MaxFileDescriptors)
}
