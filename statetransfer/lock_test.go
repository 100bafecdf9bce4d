package statetransfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockWaitForTopology(t *testing.T) {
	l := NewLock()

	done := make(chan error, 1)
	go func() {
		done <- l.WaitForTopology(context.Background(), 3)
	}()

	l.NotifyTopologyInstalled(2)
	select {
	case <-done:
		t.Fatal("wait returned before topology 3 was installed")
	case <-time.After(50 * time.Millisecond):
	}

	l.NotifyTopologyInstalled(3)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}

	// already installed: returns immediately
	require.NoError(t, l.WaitForTopology(context.Background(), 1))
}

func TestLockWaitForTransactionData(t *testing.T) {
	l := NewLock()

	done := make(chan error, 1)
	go func() {
		done <- l.WaitForTransactionData(context.Background(), 2)
	}()

	l.NotifyTransactionDataReceived(2)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
}

func TestLockWaitCancelled(t *testing.T) {
	l := NewLock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.WaitForTopology(ctx, 1), context.Canceled)
	assert.ErrorIs(t, l.WaitForTransactionData(ctx, 1), context.Canceled)
}

func TestLockTopologySwap(t *testing.T) {
	l := NewLock()

	l.AcquireExclusiveTopologyLock()
	acquired := make(chan struct{})
	go func() {
		l.AcquireSharedTopologyLock()
		close(acquired)
		l.ReleaseSharedTopologyLock()
	}()

	select {
	case <-acquired:
		t.Fatal("shared lock acquired while exclusive lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	l.ReleaseExclusiveTopologyLock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("shared lock not acquired after exclusive release")
	}
}
