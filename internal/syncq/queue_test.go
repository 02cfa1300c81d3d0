package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/remote"
	"github.com/pinbridge/vault/internal/store"
	"github.com/pinbridge/vault/internal/util"
)

func openTestStore(t *testing.T) store.LocalStore {
	t.Helper()
	ls, err := store.OpenBolt(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })
	return ls
}

func newTestQueue(t *testing.T, ls store.LocalStore, h Handler, opts Options) *Queue {
	t.Helper()
	opts.Store = ls
	opts.Handler = h
	q, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func payload(v string) []byte {
	b, _ := json.Marshal(map[string]string{"v": v})
	return b
}

func payloadValue(t *testing.T, task domain.SyncTask) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(task.Payload, &body))
	return body["v"]
}

func waitIdle(t *testing.T, q *Queue, calls *atomic.Int32, want int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return calls.Load() >= want && !q.Draining()
	}, 2*time.Second, 2*time.Millisecond)
}

func TestQueue_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	h := HandlerFunc(func(_ context.Context, task domain.SyncTask) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, payloadValue(t, task))
		return nil
	})
	q := newTestQueue(t, openTestStore(t), h, Options{})
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, domain.TaskPushVault, payload(v), "u1"))
	}

	require.Eventually(t, func() bool {
		tasks, err := q.Tasks()
		return err == nil && len(tasks) == 0 && !q.Draining()
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, delivered)
}

func TestQueue_FailureBlocksLaterTasks(t *testing.T) {
	var mu sync.Mutex
	var attempts []string
	var failures atomic.Int32
	failures.Store(2)

	h := HandlerFunc(func(_ context.Context, task domain.SyncTask) error {
		mu.Lock()
		attempts = append(attempts, payloadValue(t, task))
		mu.Unlock()
		if payloadValue(t, task) == "first" && failures.Add(-1) >= 0 {
			return errors.New("remote write rejected")
		}
		return nil
	})
	q := newTestQueue(t, openTestStore(t), h, Options{BaseDelay: 5 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.TaskPushMeta, payload("first"), "u1"))
	require.NoError(t, q.Enqueue(ctx, domain.TaskPushVault, payload("second"), "u1"))

	require.Eventually(t, func() bool {
		tasks, err := q.Tasks()
		return err == nil && len(tasks) == 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, attempts)
	assert.Equal(t, "second", attempts[len(attempts)-1])
	firstSuccess := -1
	for i, v := range attempts {
		if v == "second" {
			firstSuccess = i
			break
		}
	}
	for _, v := range attempts[:firstSuccess] {
		assert.Equal(t, "first", v)
	}
	assert.Equal(t, 3, firstSuccess, "two failures and one success before the second task")
}

func TestQueue_RetryBoundedByMaxRetries(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, domain.SyncTask) error {
		calls.Add(1)
		return util.ErrOffline
	})
	q := newTestQueue(t, openTestStore(t), h, Options{MaxRetries: 3, BaseDelay: time.Millisecond})

	require.NoError(t, q.Enqueue(context.Background(), domain.TaskPushVault, payload("v"), "u1"))

	require.Eventually(t, func() bool {
		tasks, err := q.Tasks()
		return err == nil && len(tasks) == 1 && tasks[0].Retry == 3 && !q.Draining()
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	tasks, err := q.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1, "task is never dropped")
	assert.Equal(t, 3, tasks[0].Retry)
	assert.Contains(t, tasks[0].LastError, "unreachable")
	assert.Equal(t, int32(3), calls.Load(), "no timer after the retry budget is spent")

	st := q.Snapshot()
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 3, st.HeadRetry)

	// a connectivity change retries it again without growing the counter
	q.SetOnline(false)
	q.SetOnline(true)
	waitIdle(t, q, &calls, 4)
	tasks, err = q.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 3, tasks[0].Retry)
}

func TestQueue_SingleFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, domain.SyncTask) error {
		calls.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	q := newTestQueue(t, openTestStore(t), h, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.TaskPushVault, payload("v"), "u1"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not start")
	}

	assert.True(t, q.Draining())
	assert.NoError(t, q.ProcessQueue(ctx), "concurrent drain is a no-op")
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.Eventually(t, func() bool {
		tasks, err := q.Tasks()
		return err == nil && len(tasks) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_EnqueueOrUpdateDuringDrainAppends(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var delivered []string
	h := HandlerFunc(func(_ context.Context, task domain.SyncTask) error {
		mu.Lock()
		delivered = append(delivered, payloadValue(t, task))
		mu.Unlock()
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	q := newTestQueue(t, openTestStore(t), h, Options{})
	ctx := context.Background()

	require.NoError(t, q.EnqueueOrUpdate(ctx, domain.TaskPushVault, payload("v1"), "u1"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not start")
	}
	require.True(t, q.Draining())

	require.NoError(t, q.EnqueueOrUpdate(ctx, domain.TaskPushVault, payload("v2"), "u1"))

	tasks, err := q.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2, "a task in flight is never rewritten")
	assert.Equal(t, "v1", payloadValue(t, tasks[0]))
	assert.Equal(t, "v2", payloadValue(t, tasks[1]))

	close(release)
	require.Eventually(t, func() bool {
		tasks, err := q.Tasks()
		return err == nil && len(tasks) == 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"v1", "v2"}, delivered)
}

func TestQueue_EnqueueOrUpdateCoalesces(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, domain.SyncTask) error {
		calls.Add(1)
		return util.ErrOffline
	})
	q := newTestQueue(t, openTestStore(t), h, Options{BaseDelay: time.Hour})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.TaskPushMeta, payload("meta"), "u1"))
	waitIdle(t, q, &calls, 1)

	require.NoError(t, q.EnqueueOrUpdate(ctx, domain.TaskPushVault, payload("v1"), "u1"))
	waitIdle(t, q, &calls, 2)

	require.NoError(t, q.EnqueueOrUpdate(ctx, domain.TaskPushVault, payload("v2"), "u1"))
	waitIdle(t, q, &calls, 3)

	tasks, err := q.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.TaskPushMeta, tasks[0].Type)
	assert.Equal(t, domain.TaskPushVault, tasks[1].Type)
	assert.Equal(t, "v2", payloadValue(t, tasks[1]))
	assert.Equal(t, 0, tasks[1].Retry)

	require.NoError(t, q.EnqueueOrUpdate(ctx, domain.TaskPushVault, payload("other"), "u2"))
	waitIdle(t, q, &calls, 4)
	tasks, err = q.Tasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 3, "different uid is not coalesced")
}

func TestQueue_EnqueueOrUpdateResetsRetry(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, domain.SyncTask) error {
		calls.Add(1)
		return util.ErrOffline
	})
	q := newTestQueue(t, openTestStore(t), h, Options{BaseDelay: time.Hour})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.TaskPushVault, payload("v1"), "u1"))
	waitIdle(t, q, &calls, 1)
	tasks, err := q.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, 1, tasks[0].Retry)

	require.NoError(t, q.EnqueueOrUpdate(ctx, domain.TaskPushVault, payload("v2"), "u1"))
	waitIdle(t, q, &calls, 2)
	tasks, err = q.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "v2", payloadValue(t, tasks[0]))
	assert.Equal(t, 1, tasks[0].Retry, "reset to zero, then one more failed delivery")
}

func TestQueue_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ls, err := store.OpenBolt(path)
	require.NoError(t, err)

	var calls atomic.Int32
	failing := HandlerFunc(func(context.Context, domain.SyncTask) error {
		calls.Add(1)
		return util.ErrOffline
	})
	q, err := New(Options{Store: ls, Handler: failing, BaseDelay: time.Hour})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), domain.TaskPushVault, payload("kept"), "u1"))
	waitIdle(t, q, &calls, 1)
	q.Close()
	require.NoError(t, ls.Close())

	ls, err = store.OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	delivered := make(chan string, 1)
	q2 := newTestQueue(t, ls, HandlerFunc(func(_ context.Context, task domain.SyncTask) error {
		delivered <- payloadValue(t, task)
		return nil
	}), Options{})
	q2.Start()

	select {
	case v := <-delivered:
		assert.Equal(t, "kept", v)
	case <-time.After(2 * time.Second):
		t.Fatal("queued task not delivered after restart")
	}
}

func TestQueue_Backoff(t *testing.T) {
	q := newTestQueue(t, openTestStore(t), HandlerFunc(func(context.Context, domain.SyncTask) error { return nil }),
		Options{BaseDelay: time.Second, MaxDelay: 30 * time.Second})

	assert.Equal(t, time.Second, q.Backoff(0))
	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 5*time.Second, q.Backoff(5))
	assert.Equal(t, 29*time.Second, q.Backoff(29))
	assert.Equal(t, 30*time.Second, q.Backoff(30))
	assert.Equal(t, 30*time.Second, q.Backoff(31))
	assert.Equal(t, 30*time.Second, q.Backoff(1_000_000_000))
}

func TestQueue_Closed(t *testing.T) {
	q := newTestQueue(t, openTestStore(t), HandlerFunc(func(context.Context, domain.SyncTask) error { return nil }), Options{})
	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Enqueue(context.Background(), domain.TaskPushVault, payload("v"), "u1"), ErrClosed)
	assert.ErrorIs(t, q.EnqueueOrUpdate(context.Background(), domain.TaskPushVault, payload("v"), "u1"), ErrClosed)
}

func TestRemoteHandler(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	uploads := &fakeUploader{}
	h := NewRemoteHandler(rs, nil, nil)

	task := domain.SyncTask{Type: domain.TaskPushVault, UID: "u1", Payload: payload("vault")}
	require.NoError(t, h.Handle(ctx, task))
	doc, err := rs.Get(ctx, "u1", remote.PathVault)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"vault"}`, string(doc))

	require.NoError(t, h.Handle(ctx, domain.SyncTask{Type: domain.TaskPushMeta, UID: "u1", Payload: payload("meta")}))
	require.NoError(t, h.Handle(ctx, domain.SyncTask{Type: domain.TaskRecoveryRequest, UID: "u1", Payload: payload("r")}))
	_, err = rs.Get(ctx, "u1", remote.PathRecoveryRequest)
	require.NoError(t, err)

	attach := domain.SyncTask{Type: domain.TaskPushAttachment, UID: "u1", Payload: json.RawMessage(`{"hash":"abc"}`)}
	assert.Error(t, h.Handle(ctx, attach), "no uploader wired")
	h.SetAttachments(uploads)
	require.NoError(t, h.Handle(ctx, attach))
	assert.Equal(t, []string{"abc"}, uploads.hashes)

	assert.Error(t, h.Handle(ctx, domain.SyncTask{Type: "BOGUS", UID: "u1", Payload: payload("x")}))
	assert.Error(t, h.Handle(ctx, domain.SyncTask{Type: domain.TaskPushVault, Payload: payload("x")}))

	rs.SetOffline(true)
	assert.ErrorIs(t, h.Handle(ctx, task), util.ErrOffline)
}

type fakeUploader struct {
	hashes []string
}

func (f *fakeUploader) EnsureRemoteAvailable(_ context.Context, _ string, hash string, _ bool) error {
	f.hashes = append(f.hashes, hash)
	return nil
}

func TestMonitor(t *testing.T) {
	rs := remote.NewMemoryStore()
	var mu sync.Mutex
	var changes []bool
	m := NewMonitor(rs, time.Hour, func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, online)
	}, nil)
	ctx := context.Background()

	assert.True(t, m.Check(ctx))
	rs.SetOffline(true)
	assert.False(t, m.Check(ctx))
	assert.False(t, m.Check(ctx))
	assert.False(t, m.Online())
	rs.SetOffline(false)
	assert.True(t, m.Check(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, changes)
}

func TestMonitorDrivesQueue(t *testing.T) {
	rs := remote.NewMemoryStore()
	rs.SetOffline(true)
	ls := openTestStore(t)
	q := newTestQueue(t, ls, NewRemoteHandler(rs, nil, nil), Options{BaseDelay: time.Hour})

	require.NoError(t, q.Enqueue(context.Background(), domain.TaskPushVault, payload("v"), "u1"))
	require.Eventually(t, func() bool {
		tasks, err := q.Tasks()
		return err == nil && len(tasks) == 1 && tasks[0].Retry == 1 && !q.Draining()
	}, 2*time.Second, 5*time.Millisecond)

	m := NewMonitor(rs, time.Hour, q.SetOnline, nil)
	m.Check(context.Background())
	rs.SetOffline(false)
	m.Check(context.Background())

	require.Eventually(t, func() bool {
		tasks, err := q.Tasks()
		return err == nil && len(tasks) == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, err := rs.Get(context.Background(), "u1", remote.PathVault)
	assert.NoError(t, err)
}
