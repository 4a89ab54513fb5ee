package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/distrisearch/distrisearch/internal/types"
)

// Bus is the abstract addressed message bus of spec §4.7:
// send(targetNodeID, message) -> reply or error. Implementations must
// preserve message boundaries and identify the sender; every call accepts
// the caller's deadline via ctx.
type Bus interface {
	Send(ctx context.Context, target types.NodeID, env Envelope) (Envelope, error)
	Available(target types.NodeID) bool
}

// peer tracks one other cluster member's connection, mirroring the
// teacher's ForeignNode: a long-lived *grpc.ClientConn plus a last-known
// availability flag updated from call outcomes.
type peer struct {
	addr      string
	conn      *grpc.ClientConn
	mu        sync.Mutex
	available bool
}

// GRPCBus is the production Bus implementation: one grpc connection per
// peer, dialed lazily and kept open, exactly as the teacher's
// node.NewForeignNode/ForeignNode pool does.
type GRPCBus struct {
	self  types.NodeID
	mu    sync.RWMutex
	peers map[types.NodeID]*peer
}

// NewGRPCBus constructs a bus for self, with known peer addresses keyed by
// NodeID ("host:port" form, as required by the environment's membership
// list, spec §6).
func NewGRPCBus(self types.NodeID, members map[types.NodeID]string) *GRPCBus {
	b := &GRPCBus{
		self:  self,
		peers: make(map[types.NodeID]*peer, len(members)),
	}
	for id, addr := range members {
		if id == self {
			continue
		}
		b.peers[id] = &peer{addr: addr, available: true}
	}
	return b
}

func (b *GRPCBus) dial(p *peer) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := grpc.NewClient(p.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// Send marshals env to target over its grpc connection and waits for a
// reply, respecting ctx's deadline.
func (b *GRPCBus) Send(ctx context.Context, target types.NodeID, env Envelope) (Envelope, error) {
	b.mu.RLock()
	p, ok := b.peers[target]
	b.mu.RUnlock()
	if !ok {
		return Envelope{}, fmt.Errorf("transport: unknown peer %q", target)
	}

	env.From = b.self

	conn, err := b.dial(p)
	if err != nil {
		p.mu.Lock()
		p.available = false
		p.mu.Unlock()
		return Envelope{}, fmt.Errorf("transport: dial %s: %w", target, err)
	}

	reply, err := Invoke(ctx, conn, env)
	p.mu.Lock()
	p.available = err == nil
	p.mu.Unlock()
	if err != nil {
		log.Debug().Err(err).Str("target", string(target)).Str("kind", string(env.Kind)).Msg("transport send failed")
		return Envelope{}, err
	}
	return reply, nil
}

// Available reports the last-observed reachability of target.
func (b *GRPCBus) Available(target types.NodeID) bool {
	b.mu.RLock()
	p, ok := b.peers[target]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Ping probes every known peer once and updates availability; intended to
// run on a periodic ticker alongside the consensus heartbeat.
func (b *GRPCBus) Ping(ctx context.Context, timeout time.Duration) {
	b.mu.RLock()
	targets := make([]types.NodeID, 0, len(b.peers))
	for id := range b.peers {
		targets = append(targets, id)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func(id types.NodeID) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			env, _ := NewEnvelope(KindPing, b.self, PingMsg{})
			_, _ = b.Send(cctx, id, env)
		}(id)
	}
	wg.Wait()
}

// Close tears down every peer connection.
func (b *GRPCBus) Close() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.peers {
		p.mu.Lock()
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.mu.Unlock()
	}
}
