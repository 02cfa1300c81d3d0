package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/pinbridge/vault/internal/util"
)

// MemoryStore is an in-process Store. It backs offline mode and tests, and can
// simulate an unreachable remote or rejected writes.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string][]byte
	subs      map[string]map[int]chan []byte
	nextSub   int
	offline   bool
	failNext  int
	failErr   error
	setCalls  int
	closed    bool
	listeners int
}

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]byte),
		subs: make(map[string]map[int]chan []byte),
	}
}

// SetOffline makes every operation fail with util.ErrOffline while offline is true
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNextWrites makes the next n Set or Delete calls fail with err
func (m *MemoryStore) FailNextWrites(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = errors.New("remote write rejected")
	}
	m.failNext = n
	m.failErr = err
}

// SetCalls returns the number of successful Set calls
func (m *MemoryStore) SetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setCalls
}

func (m *MemoryStore) check() error {
	if m.closed {
		return errors.New("remote store closed")
	}
	if m.offline {
		return util.ErrOffline
	}
	return nil
}

func (m *MemoryStore) checkWrite() error {
	if err := m.check(); err != nil {
		return err
	}
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	return nil
}

// Get returns a copy of the document at path
func (m *MemoryStore) Get(ctx context.Context, uid, path string) ([]byte, error) {
	id, err := documentID(uid, path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

// Set writes doc and notifies subscribers of path
func (m *MemoryStore) Set(ctx context.Context, uid, path string, doc []byte, merge bool) error {
	id, err := documentID(uid, path)
	if err != nil {
		return err
	}
	if err := validDocument(doc); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(); err != nil {
		return err
	}

	next := append([]byte(nil), doc...)
	if merge {
		if next, err = MergeJSON(m.docs[id], next); err != nil {
			return err
		}
	}
	m.docs[id] = next
	m.setCalls++

	for _, ch := range m.subs[id] {
		select {
		case ch <- append([]byte(nil), next...):
		default:
		}
	}
	return nil
}

// Delete removes the document at path
func (m *MemoryStore) Delete(ctx context.Context, uid, path string) error {
	id, err := documentID(uid, path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(); err != nil {
		return err
	}
	delete(m.docs, id)
	return nil
}

// Subscribe delivers document versions of path until ctx is done
func (m *MemoryStore) Subscribe(ctx context.Context, uid, path string) (<-chan []byte, error) {
	id, err := documentID(uid, path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ch := make(chan []byte, 8)
	if doc, ok := m.docs[id]; ok {
		ch <- append([]byte(nil), doc...)
	}
	if m.subs[id] == nil {
		m.subs[id] = make(map[int]chan []byte)
	}
	subID := m.nextSub
	m.nextSub++
	m.subs[id][subID] = ch
	m.listeners++
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id][subID]; ok {
			delete(m.subs[id], subID)
			m.listeners--
			close(ch)
		}
	}()
	return ch, nil
}

// Listeners returns the number of active subscriptions
func (m *MemoryStore) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listeners
}

// Ping fails with util.ErrOffline while the store is offline
func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

// Close closes all subscriptions
func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, subs := range m.subs {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
			m.listeners--
		}
		delete(m.subs, id)
	}
	return nil
}
