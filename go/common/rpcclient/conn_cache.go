// Copyright 2021 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

package rpcclient

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/common/wire"
	"github.com/multigres/multisplit/go/tools/grpccommon"
)

const (
	defaultCapacity = 100

	// evictPollInterval is how often a dial waiting for capacity looks for
	// an idle connection to evict.
	evictPollInterval = 5 * time.Millisecond
)

// closeFunc returns a lent connection to the cache.
type closeFunc func() error

// cachedConn is one executor connection, lent out to refs callers.
type cachedConn struct {
	client wire.FragmentServiceClient
	cc     *grpc.ClientConn

	addr           string
	lastAccessTime time.Time
	refs           int
}

// connCache keeps at most capacity executor connections. When full, the
// least recently used connection nobody holds is closed to make room.
type connCache struct {
	m     sync.Mutex
	conns map[string]*cachedConn
	// evict orders conns for eviction once sortEvictionsLocked has run.
	evict       []*cachedConn
	evictSorted bool

	// slots bounds the number of open connections.
	slots    *semaphore.Weighted
	capacity int
	dialOpts []grpc.DialOption
	metrics  *Metrics
}

func newConnCache(dialOpts ...grpc.DialOption) *connCache {
	return newConnCacheWithCapacity(defaultCapacity, dialOpts...)
}

func newConnCacheWithCapacity(capacity int, dialOpts ...grpc.DialOption) *connCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	cc := &connCache{
		conns:    make(map[string]*cachedConn, capacity),
		evict:    make([]*cachedConn, 0, capacity),
		slots:    semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		dialOpts: dialOpts,
		metrics:  NewMetrics(),
	}
	_ = cc.metrics.RegisterCacheSizeCallback(cc.size)
	return cc
}

func (cc *connCache) size() int {
	cc.m.Lock()
	defer cc.m.Unlock()
	return len(cc.conns)
}

// sortEvictionsLocked puts idle connections first, oldest access first.
func (cc *connCache) sortEvictionsLocked() {
	if cc.evictSorted {
		return
	}
	slices.SortStableFunc(cc.evict, func(a, b *cachedConn) int {
		if a.refs != b.refs {
			return a.refs - b.refs
		}
		return a.lastAccessTime.Compare(b.lastAccessTime)
	})
	cc.evictSorted = true
}

// getOrDial lends out the connection to addr, dialing it if needed. The
// returned closeFunc must be called once the caller is done with it.
func (cc *connCache) getOrDial(ctx context.Context, addr string) (*cachedConn, closeFunc, error) {
	start := time.Now()
	if conn, closer, ok := cc.lend(ctx, addr); ok {
		cc.metrics.RecordDialDuration(ctx, time.Since(start), DialPathCached)
		return conn, closer, nil
	}

	path := DialPathDialed
	for !cc.slots.TryAcquire(1) {
		path = DialPathWaited
		if conn, closer, ok := cc.lend(ctx, addr); ok {
			cc.metrics.RecordDialDuration(ctx, time.Since(start), path)
			return conn, closer, nil
		}
		if cc.evictIdle() {
			continue
		}
		select {
		case <-ctx.Done():
			cc.metrics.AddDialTimeout(ctx)
			return nil, nil, ctx.Err()
		case <-time.After(evictPollInterval):
		}
	}
	defer func() { cc.metrics.RecordDialDuration(ctx, time.Since(start), path) }()
	return cc.dial(ctx, addr)
}

// lend returns the cached connection to addr with one more reference.
func (cc *connCache) lend(ctx context.Context, addr string) (*cachedConn, closeFunc, bool) {
	cc.m.Lock()
	defer cc.m.Unlock()
	conn, ok := cc.conns[addr]
	if !ok {
		return nil, nil, false
	}
	c, closer := cc.lendLocked(ctx, conn)
	return c, closer, true
}

func (cc *connCache) lendLocked(ctx context.Context, conn *cachedConn) (*cachedConn, closeFunc) {
	cc.metrics.AddConnReuse(ctx)
	conn.lastAccessTime = time.Now()
	conn.refs++
	cc.evictSorted = false
	return cc.connWithCloser(conn)
}

// evictIdle closes the least recently used idle connection and frees its
// slot. It reports false when every connection is in use.
func (cc *connCache) evictIdle() bool {
	cc.m.Lock()
	defer cc.m.Unlock()
	if len(cc.evict) == 0 {
		return false
	}
	cc.sortEvictionsLocked()
	victim := cc.evict[0]
	if victim.refs != 0 {
		return false
	}
	cc.evict = cc.evict[1:]
	delete(cc.conns, victim.addr)
	if victim.cc != nil {
		_ = victim.cc.Close()
	}
	cc.slots.Release(1)
	return true
}

// dial opens a connection to addr using a slot the caller holds. The slot
// is given back if the dial fails or another caller dialed addr first.
func (cc *connCache) dial(ctx context.Context, addr string) (*cachedConn, closeFunc, error) {
	opts := append([]grpc.DialOption{grpccommon.WithAttributes(ExecutorSpanAttributes(addr)...)}, cc.dialOpts...)
	grpcConn, err := grpccommon.NewClient(addr, opts...)
	if err != nil {
		cc.slots.Release(1)
		return nil, nil, err
	}

	cc.m.Lock()
	defer cc.m.Unlock()
	if existing, ok := cc.conns[addr]; ok {
		_ = grpcConn.Close()
		cc.slots.Release(1)
		conn, closer := cc.lendLocked(ctx, existing)
		return conn, closer, nil
	}

	cc.metrics.AddConnNew(ctx)
	conn := &cachedConn{
		client:         wire.NewFragmentServiceClient(grpcConn),
		cc:             grpcConn,
		addr:           addr,
		lastAccessTime: time.Now(),
		refs:           1,
	}
	// Appending keeps the queue sorted enough: the new conn is the most
	// recently used one.
	cc.evict = append(cc.evict, conn)
	cc.conns[addr] = conn
	c, closer := cc.connWithCloser(conn)
	return c, closer, nil
}

func (cc *connCache) connWithCloser(conn *cachedConn) (*cachedConn, closeFunc) {
	return conn, func() error {
		cc.m.Lock()
		defer cc.m.Unlock()
		if conn.refs > 0 {
			conn.refs--
			cc.evictSorted = false
		}
		return nil
	}
}

// close drops the connection to addr, even if it is in use.
func (cc *connCache) close(addr string) {
	cc.m.Lock()
	defer cc.m.Unlock()
	conn, ok := cc.conns[addr]
	if !ok {
		return
	}
	if conn.cc != nil {
		_ = conn.cc.Close()
	}
	delete(cc.conns, addr)
	cc.evict = slices.DeleteFunc(cc.evict, func(c *cachedConn) bool { return c == conn })
	cc.slots.Release(1)
}

// closeAll drops every connection. RPCs on lent connections fail; their
// closers stay safe to call.
func (cc *connCache) closeAll() {
	cc.m.Lock()
	defer cc.m.Unlock()
	for _, conn := range cc.evict {
		if conn.cc != nil {
			_ = conn.cc.Close()
		}
		delete(cc.conns, conn.addr)
		cc.slots.Release(1)
	}
	cc.evict = make([]*cachedConn, 0, cc.capacity)
}
