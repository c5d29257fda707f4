package redis

import (
	"os"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildrop/veildrop/store"
)

// newStore connects to the Redis server in VEILDROP_TEST_REDIS. The tests are
// skipped when it isn't set.
func newStore(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("VEILDROP_TEST_REDIS")
	if addr == "" {
		t.Skip("VEILDROP_TEST_REDIS not set")
	}

	s, err := New(Config{
		Address:     addr,
		ActiveConns: 4,
		IdleConns:   2,
		Timeout:     time.Second * 3,
		PrefixRoom:  "veildrop:test:room:%s",
		PrefixKV:    "veildrop:test:kv:%s",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRooms(t *testing.T) {
	s := newStore(t)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.AddRoom(store.Room{ID: "abc", CreatedAt: now, Policy: store.Policy{MaxReceivers: 1}}, time.Minute))
	t.Cleanup(func() { s.RemoveRoom("abc") })

	r, err := s.GetRoom("abc")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Policy.MaxReceivers)
	assert.True(t, now.Equal(r.CreatedAt))

	require.NoError(t, s.SetPolicy("abc", store.Policy{MaxReceivers: 5}))
	r, err = s.GetRoom("abc")
	require.NoError(t, err)
	assert.Equal(t, 5, r.Policy.MaxReceivers)

	require.NoError(t, s.ExtendRoomTTL("abc", time.Hour))

	require.NoError(t, s.RemoveRoom("abc"))
	ok, err := s.RoomExists("abc")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetRoom("abc")
	assert.ErrorIs(t, err, store.ErrRoomNotFound)
	assert.ErrorIs(t, s.SetPolicy("abc", store.Policy{}), store.ErrRoomNotFound)
	assert.ErrorIs(t, s.ExtendRoomTTL("abc", time.Hour), store.ErrRoomNotFound)
}

func TestSetPolicyExpiredRoom(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.AddRoom(store.Room{ID: "exp", CreatedAt: time.Now()}, time.Second))
	t.Cleanup(func() { s.RemoveRoom("exp") })
	time.Sleep(1500 * time.Millisecond)

	assert.ErrorIs(t, s.SetPolicy("exp", store.Policy{MaxReceivers: 3}), store.ErrRoomNotFound)
	assert.ErrorIs(t, s.SetPolicy("ghost", store.Policy{MaxReceivers: 3}), store.ErrRoomNotFound)

	// Neither call leaves a bare hash behind.
	c := s.pool.Get()
	defer c.Close()
	n, err := redis.Int(c.Do("EXISTS", s.roomKey("exp"), s.roomKey("ghost")))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKV(t *testing.T) {
	s := newStore(t)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set("k", []byte("v")))
	b, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), b)
}
