package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	s := New()
	a := NewOwner()
	b := NewOwner()

	require.NoError(t, s.Lock("led_A", a))
	assert.True(t, s.IsLocked("led_A"))
	assert.ErrorIs(t, s.Lock("led_A", b), ErrLocked)
	assert.True(t, s.IsLockedByOther("led_A", b))
	assert.False(t, s.IsLockedByOther("led_A", a))

	// re-acquiring your own lock is fine
	require.NoError(t, s.Lock("led_A", a))

	// only the owner can release
	s.Unlock("led_A", b)
	assert.True(t, s.IsLocked("led_A"))
	s.Unlock("led_A", a)
	assert.False(t, s.IsLocked("led_A"))
}

func TestStaleLockIsStolen(t *testing.T) {
	s := New()
	dead := Owner{PID: 999999, Token: "gone"}
	live := NewOwner()

	s.alive = func(pid int) bool { return pid != dead.PID }

	require.NoError(t, s.Lock("led_B", dead))
	require.NoError(t, s.Lock("led_B", live))
	assert.True(t, s.IsLocked("led_B"))
}

func TestDuplicateInstanceGuard(t *testing.T) {
	s := New()
	first := NewOwner()
	second := NewOwner()

	require.NoError(t, s.SetActive("od_reading", first))
	assert.True(t, s.IsActive("od_reading"))
	assert.ErrorIs(t, s.SetActive("od_reading", second), ErrDuplicateInstance)

	// the wrong owner cannot clear the mark
	s.ClearActive("od_reading", second)
	assert.True(t, s.IsActive("od_reading"))

	s.ClearActive("od_reading", first)
	assert.False(t, s.IsActive("od_reading"))
	require.NoError(t, s.SetActive("od_reading", second))
}

func TestDeadActiveMarkIsReclaimed(t *testing.T) {
	s := New()
	dead := Owner{PID: 999999, Token: "gone"}
	s.alive = func(pid int) bool { return pid != dead.PID }

	require.NoError(t, s.SetActive("stirring", dead))
	assert.False(t, s.IsActive("stirring"))
	require.NoError(t, s.SetActive("stirring", NewOwner()))
}
