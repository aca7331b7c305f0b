package keystore

import (
	"testing"
	"time"

	"github.com/sonet/e2ee/internal/primitives"
	"github.com/stretchr/testify/require"
)

func secretOf(b byte) *primitives.Secret {
	return primitives.NewSecret([]byte{b, b, b, b})
}

func TestInsertGet(t *testing.T) {
	s := New(4)
	s.Insert("a", secretOf(1), time.Minute)

	got, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte{1, 1, 1, 1}, got.Bytes())
	got.Drop()
}

func TestGetExpiredMisses(t *testing.T) {
	s := New(4)
	s.Insert("a", secretOf(1), -time.Second)

	_, ok := s.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := New(2)
	s.Insert("a", secretOf(1), time.Hour)
	time.Sleep(time.Millisecond)
	s.Insert("b", secretOf(2), time.Hour)
	time.Sleep(time.Millisecond)
	s.Insert("c", secretOf(3), time.Hour)

	require.Equal(t, 2, s.Len())
	_, ok := s.Get("a")
	require.False(t, ok, "oldest entry should have been evicted")

	_, ok = s.Get("b")
	require.True(t, ok)
	_, ok = s.Get("c")
	require.True(t, ok)
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	s := New(4)
	s.Insert("expired", secretOf(1), -time.Second)
	s.Insert("live", secretOf(2), time.Hour)

	removed := s.Sweep()
	require.Equal(t, 1, removed)
	require.Equal(t, 1, s.Len())
}

func TestRemoveAndClear(t *testing.T) {
	s := New(4)
	s.Insert("a", secretOf(1), time.Hour)
	s.Insert("b", secretOf(2), time.Hour)

	s.Remove("a")
	require.Equal(t, 1, s.Len())

	s.Clear()
	require.Equal(t, 0, s.Len())
}
