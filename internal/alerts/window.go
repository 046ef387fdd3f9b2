package alerts

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// BusyWindow counts busy events per called party inside a sliding window.
type BusyWindow interface {
	// Observe drops events older than window, records one at `at`, and
	// returns how many events remain for key.
	Observe(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)
}

const (
	initialRingSize = 4
	sweepEvery      = 512
)

// ring is a FIFO of timestamps that grows when full.
type ring struct {
	buf  []time.Time
	head int
	size int
}

func (r *ring) oldest() time.Time {
	return r.buf[r.head]
}

func (r *ring) newest() time.Time {
	return r.buf[(r.head+r.size-1)%len(r.buf)]
}

func (r *ring) popOldest() {
	r.head = (r.head + 1) % len(r.buf)
	r.size--
}

func (r *ring) push(t time.Time) {
	if r.size == len(r.buf) {
		grown := make([]time.Time, len(r.buf)*2)
		for i := 0; i < r.size; i++ {
			grown[i] = r.buf[(r.head+i)%len(r.buf)]
		}
		r.buf, r.head = grown, 0
	}
	r.buf[(r.head+r.size)%len(r.buf)] = t
	r.size++
}

// prune drops timestamps more than window before now.
func (r *ring) prune(now time.Time, window time.Duration) {
	for r.size > 0 && now.Sub(r.oldest()) > window {
		r.popOldest()
	}
}

// MemoryWindow keeps one ring per called party. Idle parties are swept
// periodically so the map does not grow without bound.
type MemoryWindow struct {
	mu        sync.Mutex
	tracks    map[string]*ring
	observed  int
	maxWindow time.Duration
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{tracks: make(map[string]*ring)}
}

func (w *MemoryWindow) Observe(_ context.Context, key string, at time.Time, window time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if window > w.maxWindow {
		w.maxWindow = window
	}
	r, ok := w.tracks[key]
	if !ok {
		r = &ring{buf: make([]time.Time, initialRingSize)}
		w.tracks[key] = r
	}
	r.prune(at, window)
	r.push(at)

	w.observed++
	if w.observed%sweepEvery == 0 {
		w.sweep(at)
	}
	return r.size, nil
}

// Len is the number of parties currently tracked.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracks)
}

func (w *MemoryWindow) sweep(now time.Time) {
	for key, r := range w.tracks {
		if now.Sub(r.newest()) > w.maxWindow {
			delete(w.tracks, key)
		}
	}
}

// RedisWindow shares busy history between collector instances using one
// sorted set per called party, scored by event time in milliseconds.
type RedisWindow struct {
	client redis.UniversalClient
	prefix string
}

// DefaultRedisPrefix namespaces busy-window keys.
const DefaultRedisPrefix = "smdr:busy:"

// NewRedisWindow keys each called party as prefix + party. A prefix without
// a trailing colon gets one.
func NewRedisWindow(client redis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisWindow{client: client, prefix: prefix}
}

func (w *RedisWindow) key(party string) string {
	return w.prefix + party
}

func (w *RedisWindow) Observe(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	redisKey := w.key(key)
	cutoff := at.Add(-window).UnixMilli()

	pipe := w.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(at.UnixMilli()), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

// ConnectRedis opens a client and checks it with PING.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
