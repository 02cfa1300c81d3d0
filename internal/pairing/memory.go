package pairing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// memoryBuffer is the per-direction queue depth of a memory link
const memoryBuffer = 64

// MemoryPeer is an in-process Peer. Two peers created by NewMemoryPeers are
// wired to each other; the link opens once the offering side completes.
type MemoryPeer struct {
	name   string
	shared *memoryPair
	in     chan []byte
	out    chan []byte

	closeOnce sync.Once
	done      chan struct{}
	other     *MemoryPeer
}

type memoryPair struct {
	mu       sync.Mutex
	offer    string
	answer   string
	ready    chan struct{}
	complete bool
}

// NewMemoryPeers returns an offering and an answering peer connected in memory
func NewMemoryPeers() (*MemoryPeer, *MemoryPeer) {
	shared := &memoryPair{ready: make(chan struct{})}
	ab := make(chan []byte, memoryBuffer)
	ba := make(chan []byte, memoryBuffer)

	a := &MemoryPeer{name: "a", shared: shared, in: ba, out: ab, done: make(chan struct{})}
	b := &MemoryPeer{name: "b", shared: shared, in: ab, out: ba, done: make(chan struct{})}
	a.other, b.other = b, a
	return a, b
}

// Offer returns a placeholder session description
func (p *MemoryPeer) Offer(ctx context.Context) (string, error) {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	p.shared.offer = "memory-offer-" + p.name
	return p.shared.offer, nil
}

// Answer accepts the offer created by the other peer
func (p *MemoryPeer) Answer(ctx context.Context, offer string) (string, error) {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	if offer == "" || offer != p.shared.offer {
		return "", fmt.Errorf("unknown offer %q", offer)
	}
	p.shared.answer = "memory-answer-" + p.name
	return p.shared.answer, nil
}

// Complete accepts the answer and opens the link
func (p *MemoryPeer) Complete(ctx context.Context, answer string) error {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	if answer == "" || answer != p.shared.answer {
		return fmt.Errorf("unknown answer %q", answer)
	}
	if !p.shared.complete {
		p.shared.complete = true
		close(p.shared.ready)
	}
	return nil
}

// Link waits for the link to open
func (p *MemoryPeer) Link(ctx context.Context) (Link, error) {
	select {
	case <-p.shared.ready:
		return p, nil
	case <-p.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send queues msg for the other peer
func (p *MemoryPeer) Send(ctx context.Context, msg []byte) error {
	buf := append([]byte(nil), msg...)
	select {
	case <-p.done:
		return io.ErrClosedPipe
	case <-p.other.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-p.other.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next message from the other peer
func (p *MemoryPeer) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, io.ErrClosedPipe
	case <-p.other.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes this side
func (p *MemoryPeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// Closed reports whether Close was called
func (p *MemoryPeer) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Inject delivers raw bytes to this peer as if the other side sent them
func (p *MemoryPeer) Inject(msg []byte) error {
	select {
	case p.in <- msg:
		return nil
	default:
		return errors.New("memory link buffer full")
	}
}
