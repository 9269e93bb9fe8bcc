package sshtransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowReserveTakesPartialCredit(t *testing.T) {
	w := newWindow(10)
	granted, err := w.reserve(context.Background(), 32768)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), granted)
}

func TestWindowReserveSuspendsUntilAdjust(t *testing.T) {
	w := newWindow(0)
	granted := make(chan uint32, 1)
	go func() {
		n, err := w.reserve(context.Background(), 100)
		if err != nil {
			granted <- 0
			return
		}
		granted <- n
	}()

	select {
	case <-granted:
		t.Fatal("reserve returned without credit")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, w.add(42))
	select {
	case n := <-granted:
		assert.Equal(t, uint32(42), n)
	case <-time.After(time.Second):
		t.Fatal("reserve did not resume after window adjust")
	}
}

func TestWindowCloseCancelsSuspendedReserve(t *testing.T) {
	w := newWindow(0)
	result := make(chan error, 1)
	go func() {
		_, err := w.reserve(context.Background(), 1)
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	w.close()
	select {
	case err := <-result:
		assert.True(t, errors.Is(err, ErrChannelClosed))
	case <-time.After(time.Second):
		t.Fatal("reserve did not resume after close")
	}
}

func TestWindowReserveDeadline(t *testing.T) {
	w := newWindow(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.reserve(ctx, 1)
	var timeoutError *RequestTimeoutError
	require.True(t, errors.As(err, &timeoutError))
}

func TestWindowAdjustOverflow(t *testing.T) {
	w := newWindow(1)
	err := w.add(4294967295)
	require.Error(t, err)
	var protoError *ProtocolError
	assert.True(t, errors.As(err, &protoError))
}
