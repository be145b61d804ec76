package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseCycle(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "alice@laptop", time.Minute)

	require.NoError(t, l.Acquire())

	held, holder, err := l.Locked()
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "alice@laptop", holder.Owner)

	require.NoError(t, l.Release())
	held, _, err = l.Locked()
	require.NoError(t, err)
	require.False(t, held)
}

func TestSecondOwnerIsRejected(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, "alice@laptop", time.Minute)
	second := New(dir, "bob@desktop", time.Minute)

	require.NoError(t, first.Acquire())

	err := second.Acquire()
	var held *HeldError
	require.ErrorAs(t, err, &held)
	require.Equal(t, "alice@laptop", held.Owner)

	require.Error(t, second.Release(), "cannot release someone else's lock")
}

func TestReacquireByHolderRefreshes(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "alice@laptop", time.Minute)

	require.NoError(t, l.Acquire())
	require.NoError(t, l.Acquire())
}

func TestStaleLockIsClaimed(t *testing.T) {
	dir := t.TempDir()
	dead := New(dir, "ghost@gone", 10*time.Millisecond)
	require.NoError(t, dead.Acquire())

	time.Sleep(30 * time.Millisecond)

	claimer := New(dir, "alice@laptop", time.Minute)
	require.NoError(t, claimer.Acquire())

	held, holder, err := claimer.Locked()
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "alice@laptop", holder.Owner)
}

func TestHeartbeatExtendsLock(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "alice@laptop", time.Minute)
	require.NoError(t, l.Acquire())

	_, before, err := l.Locked()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.Heartbeat())

	_, after, err := l.Locked()
	require.NoError(t, err)
	require.True(t, after.Heartbeat.After(before.Heartbeat))
}

func TestHeartbeatWithoutLockFails(t *testing.T) {
	l := New(t.TempDir(), "alice@laptop", time.Minute)
	require.Error(t, l.Heartbeat())
}

func TestReleaseWithoutLockIsNoop(t *testing.T) {
	l := New(t.TempDir(), "alice@laptop", time.Minute)
	require.NoError(t, l.Release())
}
