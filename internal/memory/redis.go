package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

// RemoteStore abstracts the minimal surface the remote space needs from a
// Redis client. Implementations may wrap github.com/redis/go-redis/v9 or any
// equivalent byte store; tests use an in-memory fake.
type RemoteStore interface {
	SetRange(ctx context.Context, key string, off int64, val []byte) error
	GetRange(ctx context.Context, key string, start, end int64) ([]byte, error)
	Del(ctx context.Context, key string) error
}

// redisStore adapts a go-redis client to RemoteStore.
type redisStore struct {
	c *redis.Client
}

// NewRedisStore connects a RemoteStore to the Redis server at addr.
func NewRedisStore(addr string) RemoteStore {
	return redisStore{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (s redisStore) SetRange(ctx context.Context, key string, off int64, val []byte) error {
	return s.c.SetRange(ctx, key, off, string(val)).Err()
}

func (s redisStore) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	v, err := s.c.GetRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func (s redisStore) Del(ctx context.Context, key string) error {
	return s.c.Del(ctx, key).Err()
}

// RemoteSpace is a separate address space whose payload lives in a remote
// byte store, one key per allocation. Capacity bookkeeping is local; copies
// run on goroutines and deliver completions through a channel drained by
// PollCompletions, so the worker loop observes the same asynchronous protocol
// as with a simulated device.
//
// Copy failures are fatal: the failure is reported through the fail hook and
// not retried, since mid-task recovery is out of scope.
type RemoteSpace struct {
	id       SpaceID
	prefix   string
	store    RemoteStore
	capacity uint64
	used     atomic.Int64
	nextPtr  atomic.Uint64

	mu    sync.Mutex
	sizes map[DevPtr]uint64

	completions chan func()
	fail        func(error)

	log transferLog
}

// NewRemoteSpace creates a remote space over store. prefix namespaces the
// keys of one runtime instance; fail receives fatal copy errors and must not
// return if it wants to stop the runtime (the default panics).
func NewRemoteSpace(id SpaceID, prefix string, store RemoteStore, capacity uint64, fail func(error)) *RemoteSpace {
	if id == HostID {
		panic("memory: RemoteSpace cannot use the host id")
	}
	if fail == nil {
		fail = func(err error) { panic(err) }
	}
	return &RemoteSpace{
		id:          id,
		prefix:      prefix,
		store:       store,
		capacity:    capacity,
		sizes:       make(map[DevPtr]uint64),
		completions: make(chan func(), 1024),
		fail:        fail,
	}
}

func (r *RemoteSpace) ID() SpaceID      { return r.id }
func (r *RemoteSpace) Kind() DeviceKind { return KindRemote }
func (r *RemoteSpace) Capacity() uint64 { return r.capacity }

func (r *RemoteSpace) key(p DevPtr) string {
	return fmt.Sprintf("%s:%d:%x", r.prefix, r.id, uint64(p))
}

// Allocate reserves capacity and a fresh key. The remote side is written
// lazily by the first CopyIn.
func (r *RemoteSpace) Allocate(n uint64) (DevPtr, error) {
	if n == 0 {
		return InvalidPtr, ErrOutOfMemory
	}
	if uint64(r.used.Add(int64(n))) > r.capacity {
		r.used.Add(-int64(n))
		return InvalidPtr, ErrOutOfMemory
	}
	p := DevPtr(r.nextPtr.Add(1))
	r.mu.Lock()
	r.sizes[p] = n
	r.mu.Unlock()
	return p, nil
}

func (r *RemoteSpace) Free(p DevPtr) {
	r.mu.Lock()
	n, ok := r.sizes[p]
	delete(r.sizes, p)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.used.Add(-int64(n))
	if err := r.store.Del(context.Background(), r.key(p)); err != nil {
		r.fail(fmt.Errorf("remote space %d: del %s: %w", r.id, r.key(p), err))
	}
}

func (r *RemoteSpace) complete(fn func()) {
	r.completions <- fn
}

func (r *RemoteSpace) CopyIn(dst DevPtr, src []byte, ops *CopyOps) {
	ops.AddOp()
	buf := make([]byte, len(src))
	copy(buf, src)
	go func() {
		if err := r.store.SetRange(context.Background(), r.key(dst), 0, buf); err != nil {
			r.fail(fmt.Errorf("remote space %d: copy in %d bytes: %w", r.id, len(buf), err))
			return
		}
		r.complete(func() {
			r.log.add(Transfer{Dir: DirIn, Peer: HostID, Bytes: uint64(len(buf))})
			ops.CompleteOp()
		})
	}()
}

func (r *RemoteSpace) CopyOut(dst []byte, src DevPtr, ops *CopyOps) {
	ops.AddOp()
	n := len(dst)
	go func() {
		v, err := r.store.GetRange(context.Background(), r.key(src), 0, int64(n)-1)
		if err != nil {
			r.fail(fmt.Errorf("remote space %d: copy out %d bytes: %w", r.id, n, err))
			return
		}
		r.complete(func() {
			copy(dst, v)
			r.log.add(Transfer{Dir: DirOut, Peer: HostID, Bytes: uint64(n)})
			ops.CompleteOp()
		})
	}()
}

// CopyInStrided gathers the strided host image locally, then ships the packed
// block; the remote image is always packed.
func (r *RemoteSpace) CopyInStrided(dst DevPtr, src []byte, blockLen, count, stride uint64, ops *CopyOps) {
	packed := make([]byte, blockLen*count)
	gather(packed, src, blockLen, count, stride)
	r.CopyIn(dst, packed, ops)
}

func (r *RemoteSpace) CopyOutStrided(dst []byte, src DevPtr, blockLen, count, stride uint64, ops *CopyOps) {
	ops.AddOp()
	n := blockLen * count
	go func() {
		v, err := r.store.GetRange(context.Background(), r.key(src), 0, int64(n)-1)
		if err != nil {
			r.fail(fmt.Errorf("remote space %d: strided copy out %d bytes: %w", r.id, n, err))
			return
		}
		r.complete(func() {
			scatter(dst, v, blockLen, count, stride)
			r.log.add(Transfer{Dir: DirOut, Peer: HostID, Bytes: n})
			ops.CompleteOp()
		})
	}()
}

// CopyPeer stages through a transient host buffer: the remote store has no
// direct path to another space. The staged pair is one logical operation.
func (r *RemoteSpace) CopyPeer(dst AddressSpace, dstPtr, srcPtr DevPtr, n uint64, ops *CopyOps) {
	ops.AddOp()
	go func() {
		v, err := r.store.GetRange(context.Background(), r.key(srcPtr), 0, int64(n)-1)
		if err != nil {
			r.fail(fmt.Errorf("remote space %d: peer copy %d bytes: %w", r.id, n, err))
			return
		}
		r.complete(func() {
			r.log.add(Transfer{Dir: DirPeer, Peer: dst.ID(), Bytes: n})
			dst.CopyIn(dstPtr, v, ops)
			ops.CompleteOp()
		})
	}()
}

// PollCompletions drains finished remote operations.
func (r *RemoteSpace) PollCompletions() int {
	done := 0
	for {
		select {
		case fn := <-r.completions:
			fn()
			done++
		default:
			return done
		}
	}
}

// Transfers drains and returns the recorded transfer log.
func (r *RemoteSpace) Transfers() []Transfer { return r.log.drain() }

// LiveAllocations reports outstanding remote allocations.
func (r *RemoteSpace) LiveAllocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sizes)
}
