package redis

import (
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/veildrop/veildrop/store"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	PrefixRoom string `koanf:"prefix_room"`
	PrefixKV   string `koanf:"prefix_kv"`
}

// Redis represents the Redis implementation of the Store interface.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

type room struct {
	MaxReceivers int    `redis:"max_receivers"`
	CreatedAt    string `redis:"created_at"`
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if _, err := c.Do("PING"); err != nil {
		return nil, err
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}

func (r *Redis) roomKey(id string) string {
	return fmt.Sprintf(r.cfg.PrefixRoom, id)
}

// AddRoom adds a room to the store.
func (r *Redis) AddRoom(room store.Room, ttl time.Duration) error {
	c := r.pool.Get()
	defer c.Close()

	key := r.roomKey(room.ID)
	c.Send("HSET", key,
		"max_receivers", room.Policy.MaxReceivers,
		"created_at", room.CreatedAt.Format(time.RFC3339))
	if ttl > 0 {
		c.Send("EXPIRE", key, int(ttl.Seconds()))
	}
	return c.Flush()
}

// ExtendRoomTTL extends a room's TTL.
func (r *Redis) ExtendRoomTTL(id string, ttl time.Duration) error {
	c := r.pool.Get()
	defer c.Close()

	ok, err := redis.Bool(c.Do("EXPIRE", r.roomKey(id), int(ttl.Seconds())))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrRoomNotFound
	}
	return nil
}

// GetRoom gets a room from the store.
func (r *Redis) GetRoom(id string) (store.Room, error) {
	c := r.pool.Get()
	defer c.Close()

	var (
		out  store.Room
		room room
	)
	res, err := redis.Values(c.Do("HGETALL", r.roomKey(id)))
	if err != nil {
		return out, err
	}
	if len(res) == 0 {
		return out, store.ErrRoomNotFound
	}
	if err := redis.ScanStruct(res, &room); err != nil {
		return out, err
	}

	t, err := time.Parse(time.RFC3339, room.CreatedAt)
	if err != nil {
		return out, err
	}
	return store.Room{
		ID:        id,
		Policy:    store.Policy{MaxReceivers: room.MaxReceivers},
		CreatedAt: t,
	}, nil
}

// RoomExists checks if a room exists in the store.
func (r *Redis) RoomExists(id string) (bool, error) {
	c := r.pool.Get()
	defer c.Close()

	ok, err := redis.Bool(c.Do("EXISTS", r.roomKey(id)))
	if err != nil && err != redis.ErrNil {
		return false, err
	}
	return ok, nil
}

// RemoveRoom deletes a room from the store.
func (r *Redis) RemoveRoom(id string) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := c.Do("DEL", r.roomKey(id))
	return err
}

// setPolicyScript sets max_receivers only if the room hash exists so that an
// expiry between the check and the write can't leave a TTL-less key behind.
var setPolicyScript = redis.NewScript(1, `
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "max_receivers", ARGV[1])
return 1
`)

// SetPolicy updates a room's capacity policy. Expired or unknown rooms are
// not recreated.
func (r *Redis) SetPolicy(id string, p store.Policy) error {
	c := r.pool.Get()
	defer c.Close()

	ok, err := redis.Int(setPolicyScript.Do(c, r.roomKey(id), p.MaxReceivers))
	if err != nil {
		return err
	}
	if ok == 0 {
		return store.ErrRoomNotFound
	}
	return nil
}

// Get value from a key.
func (r *Redis) Get(key string) ([]byte, error) {
	c := r.pool.Get()
	defer c.Close()

	b, err := redis.Bytes(c.Do("GET", fmt.Sprintf(r.cfg.PrefixKV, key)))
	if err == redis.ErrNil {
		return nil, fmt.Errorf("%q: %w", key, store.ErrNotFound)
	}
	return b, err
}

// Set a value.
func (r *Redis) Set(key string, data []byte) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := c.Do("SET", fmt.Sprintf(r.cfg.PrefixKV, key), data)
	return err
}
