package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSocketListenAcceptConnectRoundTrip(t *testing.T) {
	k, p := newTestProcess(t)

	lfid, err := k.Socket(p, 80)
	require.NoError(t, err)
	require.NoError(t, k.Listen(p, lfid))

	acceptedCh := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		fid, err := k.Accept(p, lfid)
		if err != nil {
			errCh <- err
			return
		}
		acceptedCh <- fid
	}()

	cfid, err := k.Socket(p, 0)
	require.NoError(t, err)
	require.NoError(t, k.Connect(p, cfid, 80, 0))

	var afid int
	select {
	case afid = <-acceptedCh:
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("accept never admitted the connect request")
	}

	_, err = k.Write(p, cfid, []byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := k.Read(p, afid, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	_, err = k.Write(p, afid, []byte("pong"))
	require.NoError(t, err)
	n, err = k.Read(p, cfid, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}

func TestSocketConnectWithoutListenerFails(t *testing.T) {
	k, p := newTestProcess(t)
	_, err := k.Socket(p, 80)
	require.NoError(t, err)

	cfid, err := k.Socket(p, 0)
	require.NoError(t, err)
	err = k.Connect(p, cfid, 80, 0)
	require.ErrorIs(t, err, ErrNotListener)
}

func TestSocketConnectTimesOutWhenNoAcceptArrives(t *testing.T) {
	k, p := newTestProcess(t)
	lfid, err := k.Socket(p, 80)
	require.NoError(t, err)
	require.NoError(t, k.Listen(p, lfid))

	cfid, err := k.Socket(p, 0)
	require.NoError(t, err)

	start := time.Now()
	err = k.Connect(p, cfid, 80, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.WithinDuration(t, start.Add(30*time.Millisecond), time.Now(), 200*time.Millisecond)

	// A request that timed out must be excised: a later Accept must not
	// see it, or block forever waiting on a request nobody will admit.
	done := make(chan error, 1)
	go func() {
		_, err := k.Accept(p, lfid)
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("accept should still be blocked; the timed-out request must not have been admitted")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, k.Close(p, lfid))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrListenerClosed)
	case <-time.After(time.Second):
		t.Fatal("accept never woke up after listener close")
	}
}

func TestSocketCloseListenerWakesPendingConnect(t *testing.T) {
	k, p := newTestProcess(t)
	lfid, err := k.Socket(p, 80)
	require.NoError(t, err)
	require.NoError(t, k.Listen(p, lfid))

	cfid, err := k.Socket(p, 0)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- k.Connect(p, cfid, 80, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, k.Close(p, lfid))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrListenerClosed)
	case <-time.After(time.Second):
		t.Fatal("connect never woke up after listener close")
	}
}

func TestSocketFIFOAdmissionOrder(t *testing.T) {
	k, p := newTestProcess(t)
	lfid, err := k.Socket(p, 80)
	require.NoError(t, err)
	require.NoError(t, k.Listen(p, lfid))

	const n = 5
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			cfid, err := k.Socket(p, 0)
			require.NoError(t, err)
			require.NoError(t, k.Connect(p, cfid, 80, 0))
			order <- i
		}()
		time.Sleep(10 * time.Millisecond) // force arrival order
	}

	for i := 0; i < n; i++ {
		_, err := k.Accept(p, lfid)
		require.NoError(t, err)
		require.Equal(t, i, <-order, "requests must be admitted in arrival order")
	}
}

func TestSocketDoubleListenOnSamePortFails(t *testing.T) {
	k, p := newTestProcess(t)
	a, err := k.Socket(p, 80)
	require.NoError(t, err)
	require.NoError(t, k.Listen(p, a))

	b, err := k.Socket(p, 80)
	require.NoError(t, err)
	err = k.Listen(p, b)
	require.ErrorIs(t, err, ErrAlreadyListening)
}

func TestSocketShutdownIsDirectional(t *testing.T) {
	k, p := newTestProcess(t)
	lfid, err := k.Socket(p, 80)
	require.NoError(t, err)
	require.NoError(t, k.Listen(p, lfid))

	acceptedCh := make(chan int, 1)
	go func() {
		fid, err := k.Accept(p, lfid)
		require.NoError(t, err)
		acceptedCh <- fid
	}()

	cfid, err := k.Socket(p, 0)
	require.NoError(t, err)
	require.NoError(t, k.Connect(p, cfid, 80, 0))
	afid := <-acceptedCh

	require.NoError(t, k.Shutdown(p, cfid, ShutdownWrite))
	_, err = k.Write(p, cfid, []byte("x"))
	require.ErrorIs(t, err, ErrPeerClosed)

	buf := make([]byte, 4)
	n, err := k.Read(p, afid, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n, "the peer must observe EOF after the writer shuts down its write side")
}
