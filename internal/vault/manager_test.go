package vault

import (
	"context"
	"encoding/json"
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

type queuedTask struct {
	Type    domain.TaskType
	Payload []byte
	UID     string
}

// recordingQueue collects enqueued tasks; flush replays them against a remote store
type recordingQueue struct {
	mu    sync.Mutex
	tasks []queuedTask
}

func (q *recordingQueue) Enqueue(_ context.Context, taskType domain.TaskType, payload []byte, uid string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queuedTask{Type: taskType, Payload: payload, UID: uid})
	return nil
}

func (q *recordingQueue) EnqueueOrUpdate(ctx context.Context, taskType domain.TaskType, payload []byte, uid string) error {
	q.mu.Lock()
	if n := len(q.tasks); n > 0 && q.tasks[n-1].Type == taskType && q.tasks[n-1].UID == uid {
		q.tasks[n-1].Payload = payload
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return q.Enqueue(ctx, taskType, payload, uid)
}

func (q *recordingQueue) drain() []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

func (q *recordingQueue) types() []domain.TaskType {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.TaskType, 0, len(q.tasks))
	for _, task := range q.tasks {
		out = append(out, task.Type)
	}
	return out
}

func (q *recordingQueue) flush(t *testing.T, rs remote.Store) {
	t.Helper()
	for _, task := range q.drain() {
		var path string
		switch task.Type {
		case domain.TaskPushVault:
			path = remote.PathVault
		case domain.TaskPushMeta:
			path = remote.PathMeta
		case domain.TaskRecoveryRequest:
			path = remote.PathRecoveryRequest
		default:
			continue
		}
		require.NoError(t, rs.Set(context.Background(), task.UID, path, task.Payload, true))
	}
}

type testClock struct {
	ms atomic.Int64
}

func newTestClock(ms int64) *testClock {
	c := &testClock{}
	c.ms.Store(ms)
	return c
}

func (c *testClock) Now() time.Time   { return time.UnixMilli(c.ms.Load()) }
func (c *testClock) Set(ms int64)     { c.ms.Store(ms) }
func (c *testClock) Advance(ms int64) { c.ms.Add(ms) }

type testDevice struct {
	manager *Manager
	store   store.LocalStore
	queue   *recordingQueue
	clock   *testClock
}

func newTestDevice(t *testing.T, rs remote.Store, clock *testClock) *testDevice {
	t.Helper()
	ls, err := store.OpenBolt(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	if clock == nil {
		clock = newTestClock(1_700_000_000_000)
	}
	queue := &recordingQueue{}
	opts := Options{
		Store:  ls,
		Queue:  queue,
		Engine: testEngine(),
		Now:    clock.Now,
	}
	if rs != nil {
		opts.Remote = rs
		opts.UID = "owner-1"
		opts.SyncEnabled = true
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return &testDevice{manager: m, store: ls, queue: queue, clock: clock}
}

func noteIDs(notes []domain.Note) []string {
	ids := make([]string, 0, len(notes))
	for _, n := range notes {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestManager_CreateLockUnlock(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)
	m := dev.manager

	exists, err := m.HasVault(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.ErrorIs(t, m.UnlockWithPin(ctx, "1234"), util.ErrNoVault)

	phrase, err := m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	assert.NotEmpty(t, phrase)
	exists, err = m.HasVault(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, StateUnlocked, m.State())

	meta, err := m.Meta()
	require.NoError(t, err)
	assert.Equal(t, "alice", meta.Username)
	assert.Equal(t, DefaultRole, meta.Role)

	_, err = m.Create(ctx, "alice", "1234", "")
	assert.ErrorIs(t, err, util.ErrVaultExists)

	saved, err := m.SaveNote(ctx, domain.Note{Title: "hello", Body: "world", Tags: []string{" Work ", "work"}})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, []string{"work"}, saved.Tags)

	m.Lock()
	assert.Equal(t, StateLocked, m.State())
	_, err = m.Notes(NoteFilter{})
	assert.ErrorIs(t, err, util.ErrLocked)
	m.Lock()

	assert.ErrorIs(t, m.UnlockWithPin(ctx, "0000"), util.ErrInvalidPIN)
	assert.Equal(t, StateLocked, m.State())

	require.NoError(t, m.UnlockWithPin(ctx, "1234"))
	notes, err := m.Notes(NoteFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "hello", notes[0].Title)

	assert.Empty(t, dev.queue.types(), "sync disabled must not enqueue")
}

func TestManager_StoredStateHasNoPlaintext(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)

	phrase, err := dev.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	_, err = dev.manager.SaveNote(ctx, domain.Note{Title: "secret title", Body: "secret body"})
	require.NoError(t, err)

	metaBytes, err := dev.store.Get(store.CollectionMeta, metaKey)
	require.NoError(t, err)
	assert.NotContains(t, string(metaBytes), phrase)
	assert.NotContains(t, string(metaBytes), "1234")

	recBytes, err := dev.store.Get(store.CollectionVault, vaultKey)
	require.NoError(t, err)
	assert.NotContains(t, string(recBytes), "secret")

	var rec domain.VaultRecord
	require.NoError(t, json.Unmarshal(recBytes, &rec))
	assert.Equal(t, domain.CipherAESGCM, rec.Cipher)
	assert.Equal(t, dev.manager.DeviceID(), rec.DeviceID)
}

func TestManager_UnlockWithRecoveryPhrase(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)
	m := dev.manager

	phrase, err := m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	_, err = m.SaveNote(ctx, domain.Note{Title: "kept"})
	require.NoError(t, err)
	m.Lock()

	assert.ErrorIs(t, m.UnlockWithRecovery(ctx, "not a phrase"), util.ErrInvalidPIN)

	wrong := []byte(phrase)
	if wrong[0] == 'a' {
		wrong[0] = 'b'
	} else {
		wrong[0] = 'a'
	}
	assert.ErrorIs(t, m.UnlockWithRecovery(ctx, string(wrong)), util.ErrInvalidPIN)

	require.NoError(t, m.UnlockWithRecovery(ctx, "  "+phrase+"\n"))
	notes, err := m.Notes(NoteFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 1)

	_, err = dev.store.Get(store.CollectionRecovery, recoveryRequestKey)
	assert.NoError(t, err, "recovery unlock is recorded")
}

func TestManager_RecoveryFile(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)
	m := dev.manager

	_, err := m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)

	file, err := m.ExportRecoveryFile("alice", "12")
	require.NoError(t, err)
	content, err := MarshalRecoveryFile(file)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "1234")

	_, err = dev.store.Get(store.CollectionRecovery, recoveryFileKey)
	require.NoError(t, err)

	m.Lock()
	assert.ErrorIs(t, m.UnlockWithRecoveryFile(ctx, content, "bob", "12"), util.ErrInvalidPIN)
	assert.ErrorIs(t, m.UnlockWithRecoveryFile(ctx, content, "alice", "99"), util.ErrInvalidPIN)

	_, err = ParseRecoveryFile([]byte(`{"type":"something-else","version":1}`))
	assert.Error(t, err)

	require.NoError(t, m.UnlockWithRecoveryFile(ctx, content, "alice", "12"))
	assert.Equal(t, StateUnlocked, m.State())
}

func TestManager_UnlockWithDataKey(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)
	m := dev.manager

	_, err := m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	raw, err := m.engine.ExportKey(m.dataKey)
	require.NoError(t, err)
	m.Lock()

	wrong := make([]byte, KeySize)
	assert.ErrorIs(t, m.UnlockWithDataKey(ctx, wrong), util.ErrInvalidPIN)
	assert.ErrorIs(t, m.UnlockWithDataKey(ctx, []byte("short")), util.ErrInvalidPIN)

	require.NoError(t, m.UnlockWithDataKey(ctx, raw))
	assert.Equal(t, StateUnlocked, m.State())
}

func TestManager_UnlockWithDataKey_NoLocalRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("meta only", func(t *testing.T) {
		a := newTestDevice(t, nil, nil)
		_, err := a.manager.Create(ctx, "alice", "1234", "")
		require.NoError(t, err)
		snap, err := a.manager.ExportSnapshot()
		require.NoError(t, err)
		snap.Vault = nil

		b := newTestDevice(t, nil, nil)
		require.NoError(t, b.manager.ImportSnapshot(ctx, snap))

		assert.ErrorIs(t, b.manager.UnlockWithDataKey(ctx, make([]byte, KeySize)), util.ErrInvalidPIN)
		assert.Equal(t, StateLocked, b.manager.State())
		rec, err := b.manager.loadRecord()
		require.NoError(t, err)
		assert.Nil(t, rec, "a rejected key writes nothing")

		require.NoError(t, b.manager.UnlockWithPin(ctx, "1234"))
		assert.Equal(t, StateUnlocked, b.manager.State())
	})

	t.Run("remote record only", func(t *testing.T) {
		rs := remote.NewMemoryStore()
		a := newTestDevice(t, rs, nil)
		_, err := a.manager.Create(ctx, "alice", "1234", "")
		require.NoError(t, err)
		_, err = a.manager.SaveNote(ctx, domain.Note{Title: "remote"})
		require.NoError(t, err)
		raw, err := a.manager.engine.ExportKey(a.manager.dataKey)
		require.NoError(t, err)
		a.queue.flush(t, rs)

		b := newTestDevice(t, rs, nil)
		err = b.manager.UnlockWithDataKey(ctx, make([]byte, KeySize))
		assert.ErrorIs(t, err, util.ErrInvalidPIN)
		assert.NotErrorIs(t, err, util.ErrIntegrity)
		assert.Equal(t, StateLocked, b.manager.State())

		require.NoError(t, b.manager.UnlockWithDataKey(ctx, raw))
		notes, err := b.manager.Notes(NoteFilter{})
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, "remote", notes[0].Title)
	})
}

func TestManager_UnlockRewritesRecord(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)
	m := dev.manager

	_, err := m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	_, err = m.SaveNote(ctx, domain.Note{Title: "kept"})
	require.NoError(t, err)
	before, err := m.loadRecord()
	require.NoError(t, err)
	m.Lock()

	require.NoError(t, m.UnlockWithPin(ctx, "1234"))
	after, err := m.loadRecord()
	require.NoError(t, err)
	assert.NotEqual(t, before.Payload, after.Payload, "merged result is re-encrypted on every unlock")
	assert.Equal(t, before.UpdatedAtMs, after.UpdatedAtMs, "an unchanged vault keeps its timestamp")

	notes, err := m.Notes(NoteFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "kept", notes[0].Title)
}

func TestManager_Throttle(t *testing.T) {
	ctx := context.Background()
	ls, err := store.OpenBolt(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	defer ls.Close()

	m, err := NewManager(Options{
		Store:             ls,
		Engine:            testEngine(),
		MaxFailedAttempts: 3,
		AttemptWindow:     time.Hour,
	})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	m.Lock()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, m.UnlockWithPin(ctx, "0000"), util.ErrInvalidPIN)
	}
	assert.ErrorIs(t, m.UnlockWithPin(ctx, "1234"), util.ErrTooManyAttempts)
	assert.Equal(t, StateLocked, m.State())
}

func TestManager_RotatePIN(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)
	m := dev.manager

	phrase, err := m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	assert.ErrorIs(t, m.RotatePIN(ctx, ""), ErrEmptyPIN)
	require.NoError(t, m.RotatePIN(ctx, "5678"))
	m.Lock()

	assert.ErrorIs(t, m.UnlockWithPin(ctx, "1234"), util.ErrInvalidPIN)
	require.NoError(t, m.UnlockWithPin(ctx, "5678"))
	m.Lock()
	require.NoError(t, m.UnlockWithRecovery(ctx, phrase), "recovery wrapping survives rotation")
}

func TestManager_NoteOperations(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(10_000)
	dev := newTestDevice(t, nil, clock)
	m := dev.manager

	_, err := m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)

	first, err := m.SaveNote(ctx, domain.Note{Title: "groceries", Body: "milk eggs", Folder: "home", Tags: []string{"list"}})
	require.NoError(t, err)
	clock.Advance(10)
	second, err := m.SaveNote(ctx, domain.Note{Title: "standup", Body: "notes", Folder: "work", Tags: []string{"list", "work"}})
	require.NoError(t, err)

	clock.Advance(10)
	first.Body = "milk eggs bread"
	updated, err := m.SaveNote(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.Created, updated.Created)
	assert.Greater(t, updated.Updated, first.Updated)

	results, err := m.Notes(NoteFilter{Query: "milk+bread"})
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, noteIDs(results))

	results, err = m.Notes(NoteFilter{Folder: "WORK"})
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, noteIDs(results))

	counts, err := m.TagCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"list": 2, "work": 1}, counts)

	require.NoError(t, m.PinNote(ctx, second.ID, true))
	results, err = m.Notes(NoteFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID, first.ID}, noteIDs(results))

	require.NoError(t, m.TrashNote(ctx, second.ID, true))
	results, err = m.Notes(NoteFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, noteIDs(results))
	results, err = m.Notes(NoteFilter{OnlyTrash: true})
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, noteIDs(results))

	counts, err = m.TagCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"list": 1}, counts)

	versions, err := m.NoteVersions(first.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "milk eggs", versions[0].Note.Body)

	require.NoError(t, m.AddAttachment(ctx, first.ID, "abc"))
	require.NoError(t, m.AddAttachment(ctx, first.ID, "abc"))
	got, err := m.Note(first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, got.Attachments)

	require.NoError(t, m.DeleteNote(ctx, second.ID))
	_, err = m.Note(second.ID)
	assert.ErrorIs(t, err, ErrNoteNotFound)
	assert.ErrorIs(t, m.TrashNote(ctx, "missing", true), ErrNoteNotFound)
}

func TestManager_RecordTimestampMonotonic(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(50_000)
	dev := newTestDevice(t, nil, clock)
	m := dev.manager

	_, err := m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	_, err = m.SaveNote(ctx, domain.Note{Title: "a"})
	require.NoError(t, err)
	before, err := m.loadRecord()
	require.NoError(t, err)

	clock.Set(10_000)
	_, err = m.SaveNote(ctx, domain.Note{Title: "b"})
	require.NoError(t, err)
	after, err := m.loadRecord()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.UpdatedAtMs, before.UpdatedAtMs)
}

func TestManager_SyncEnqueuesOnCreateAndSave(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	dev := newTestDevice(t, rs, nil)

	_, err := dev.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	assert.Equal(t, []domain.TaskType{domain.TaskPushMeta, domain.TaskPushVault}, dev.queue.types())

	_, err = dev.manager.SaveNote(ctx, domain.Note{Title: "one"})
	require.NoError(t, err)
	_, err = dev.manager.SaveNote(ctx, domain.Note{Title: "two"})
	require.NoError(t, err)
	assert.Equal(t, []domain.TaskType{domain.TaskPushMeta, domain.TaskPushVault}, dev.queue.types(),
		"consecutive vault pushes coalesce")
}

func TestManager_MetaFetchedFromRemote(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()

	a := newTestDevice(t, rs, nil)
	_, err := a.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	_, err = a.manager.SaveNote(ctx, domain.Note{Title: "from a"})
	require.NoError(t, err)
	a.queue.flush(t, rs)

	b := newTestDevice(t, rs, nil)
	exists, err := b.manager.HasVault(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, b.manager.UnlockWithPin(ctx, "1234"))

	notes, err := b.manager.Notes(NoteFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "from a", notes[0].Title)

	_, err = b.store.Get(store.CollectionMeta, metaKey)
	assert.NoError(t, err, "remote meta is cached locally")
}

func TestManager_CreateRefusedWhileRemoteOffline(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()

	a := newTestDevice(t, rs, nil)
	_, err := a.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	a.queue.flush(t, rs)

	before, err := rs.Get(ctx, "owner-1", remote.PathMeta)
	require.NoError(t, err)

	rs.SetOffline(true)
	b := newTestDevice(t, rs, nil)

	exists, err := b.manager.HasVault(ctx)
	assert.ErrorIs(t, err, util.ErrOffline)
	assert.False(t, exists)

	_, err = b.manager.Create(ctx, "bob", "9999", "")
	assert.ErrorIs(t, err, util.ErrOffline)
	assert.Equal(t, StateLocked, b.manager.State())
	assert.Empty(t, b.queue.types(), "nothing queued for the remote")

	_, err = b.store.Get(store.CollectionMeta, metaKey)
	assert.ErrorIs(t, err, store.ErrNotFound, "no local meta written")

	st := b.manager.Status(ctx)
	assert.True(t, st.Offline)
	assert.False(t, st.HasVault)

	rs.SetOffline(false)
	after, err := rs.Get(ctx, "owner-1", remote.PathMeta)
	require.NoError(t, err)
	assert.Equal(t, before, after, "remote meta untouched")

	exists, err = b.manager.HasVault(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	_, err = b.manager.Create(ctx, "bob", "9999", "")
	assert.ErrorIs(t, err, util.ErrVaultExists)
}

func TestManager_OfflineTwoDeviceMerge(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	clock := newTestClock(1_000_000)

	a := newTestDevice(t, rs, clock)
	_, err := a.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	a.queue.flush(t, rs)

	b := newTestDevice(t, rs, clock)
	require.NoError(t, b.manager.UnlockWithPin(ctx, "1234"))
	b.queue.flush(t, rs)

	rs.SetOffline(true)
	clock.Advance(100)
	n1, err := a.manager.SaveNote(ctx, domain.Note{Title: "n1"})
	require.NoError(t, err)
	clock.Advance(100)
	n2, err := b.manager.SaveNote(ctx, domain.Note{Title: "n2"})
	require.NoError(t, err)
	rs.SetOffline(false)

	want := []string{n1.ID, n2.ID}
	if n2.ID < n1.ID {
		want = []string{n2.ID, n1.ID}
	}

	converged := func(d *testDevice) bool {
		notes, err := d.manager.Notes(NoteFilter{})
		if err != nil || len(notes) != 2 {
			return false
		}
		ids := noteIDs(notes)
		if ids[0] > ids[1] {
			ids[0], ids[1] = ids[1], ids[0]
		}
		return ids[0] == want[0] && ids[1] == want[1]
	}

	require.Eventually(t, func() bool {
		a.queue.flush(t, rs)
		b.queue.flush(t, rs)
		_, _ = a.manager.Pull(ctx)
		_, _ = b.manager.Pull(ctx)
		return converged(a) && converged(b)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_SameNoteLastWriterWins(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	clock := newTestClock(0)

	a := newTestDevice(t, rs, clock)
	_, err := a.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	clock.Set(100)
	note, err := a.manager.SaveNote(ctx, domain.Note{ID: "shared", Title: "v100"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), note.Updated)
	a.queue.flush(t, rs)

	b := newTestDevice(t, rs, clock)
	require.NoError(t, b.manager.UnlockWithPin(ctx, "1234"))
	b.queue.flush(t, rs)

	clock.Set(200)
	note.Title = "v200"
	_, err = b.manager.SaveNote(ctx, note)
	require.NoError(t, err)
	b.queue.flush(t, rs)

	require.Eventually(t, func() bool {
		_, _ = a.manager.Pull(ctx)
		got, err := a.manager.Note("shared")
		return err == nil && got.Title == "v200"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_RemoteEchoIgnored(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	dev := newTestDevice(t, rs, nil)

	_, err := dev.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	_, err = dev.manager.SaveNote(ctx, domain.Note{Title: "one"})
	require.NoError(t, err)

	rec, err := dev.manager.loadRecord()
	require.NoError(t, err)
	applied, err := dev.manager.ApplyRemoteRecord(ctx, rec)
	require.NoError(t, err)
	assert.False(t, applied)

	older := *rec
	older.UpdatedAtMs--
	applied, err = dev.manager.ApplyRemoteRecord(ctx, &older)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestManager_ListenerStopsOnLock(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	dev := newTestDevice(t, rs, nil)

	_, err := dev.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Listeners())

	dev.manager.Lock()
	assert.Eventually(t, func() bool { return rs.Listeners() == 0 }, time.Second, 10*time.Millisecond)
}

func TestManager_Events(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)
	ch, cancel := dev.manager.Events().Subscribe(8)
	defer cancel()

	_, err := dev.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	_, err = dev.manager.SaveNote(ctx, domain.Note{Title: "x"})
	require.NoError(t, err)
	dev.manager.Lock()

	var kinds []EventKind
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []EventKind{EventUnlocked, EventVaultUpdated, EventLocked}, kinds)
}

func TestManager_Snapshot(t *testing.T) {
	ctx := context.Background()
	a := newTestDevice(t, nil, nil)
	_, err := a.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	_, err = a.manager.SaveNote(ctx, domain.Note{Title: "paired"})
	require.NoError(t, err)

	snap, err := a.manager.ExportSnapshot()
	require.NoError(t, err)

	b := newTestDevice(t, nil, nil)
	require.NoError(t, b.manager.ImportSnapshot(ctx, snap))
	assert.Equal(t, StateLocked, b.manager.State())
	require.NoError(t, b.manager.UnlockWithPin(ctx, "1234"))

	notes, err := b.manager.Notes(NoteFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "paired", notes[0].Title)

	assert.Error(t, b.manager.ImportSnapshot(ctx, &domain.VaultSnapshot{}))
}

func TestManager_EncryptBytesRequiresUnlock(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)

	_, err := dev.manager.EncryptBytes([]byte("x"))
	assert.ErrorIs(t, err, util.ErrLocked)

	_, err = dev.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	blob, err := dev.manager.EncryptBytes([]byte("attachment"))
	require.NoError(t, err)
	plain, err := dev.manager.DecryptBytes(blob)
	require.NoError(t, err)
	assert.Equal(t, "attachment", string(plain))
}

func TestManager_Status(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, nil, nil)

	st := dev.manager.Status(ctx)
	assert.False(t, st.HasVault)
	assert.Equal(t, StateLocked, st.State)

	_, err := dev.manager.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	st = dev.manager.Status(ctx)
	assert.True(t, st.HasVault)
	require.NotNil(t, st.Crypto)
	assert.Equal(t, testIterations, st.Crypto.Iterations)
	assert.Equal(t, SaltSize, st.Crypto.SaltLength)
	assert.True(t, st.Crypto.RecoveryWrapped)
	assert.Equal(t, "unlocked", st.State.String())
}

func TestManager_Session(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	ctx := context.Background()

	ls, err := store.OpenBolt(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	defer ls.Close()

	sessions := NewSessionStore(filepath.Join(t.TempDir(), "vault.db"), time.Minute)
	m, err := NewManager(Options{Store: ls, Engine: testEngine(), Sessions: sessions})
	require.NoError(t, err)
	defer m.Close()

	assert.ErrorIs(t, m.ResumeSession(ctx), ErrNoSession)

	_, err = m.Create(ctx, "alice", "1234", "")
	require.NoError(t, err)
	m.Lock()

	require.NoError(t, m.ResumeSession(ctx))
	assert.Equal(t, StateUnlocked, m.State())

	m.Logout()
	assert.ErrorIs(t, m.ResumeSession(ctx), ErrNoSession)
}

func TestSessionStore_Expiry(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	sessions := NewSessionStore("/tmp/some/vault.db", time.Minute)
	now := time.Now()
	sessions.now = func() time.Time { return now }

	raw := []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, sessions.Save(raw))
	assert.Greater(t, sessions.Remaining(), 59*time.Second)

	loaded, err := sessions.Load()
	require.NoError(t, err)
	assert.Equal(t, raw, loaded)

	now = now.Add(2 * time.Minute)
	_, err = sessions.Load()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.NoFileExists(t, sessions.Path())
}

func TestSessionStore_Disabled(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	sessions := NewSessionStore("/tmp/other/vault.db", 0)
	require.NoError(t, sessions.Save([]byte("key")))
	_, err := sessions.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDecodeMetadataInfo(t *testing.T) {
	_, err := DecodeMetadataInfo(nil)
	assert.Error(t, err)

	_, err = DecodeMetadataInfo(&domain.CryptoMeta{Version: 99})
	assert.Error(t, err)

	info, err := DecodeMetadataInfo(&domain.CryptoMeta{
		Version:    domain.CryptoMetaVersion,
		KeySalt:    EncodeSalt(make([]byte, SaltSize)),
		WrappedKey: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultKDFIterations, info.Iterations)
	assert.False(t, info.RecoveryWrapped)
}

func TestFilterHelpers(t *testing.T) {
	assert.Equal(t, []string{"foo", "bar"}, ParseSearchTokens("Foo+bar"))
	assert.Nil(t, ParseSearchTokens("  + "))
	assert.Equal(t, []string{"a", "b"}, NormalizeTags([]string{"A", " b", "a", ""}))

	n := &domain.Note{Title: "Meeting", Body: "agenda", Tags: []string{"Q3"}}
	assert.True(t, MatchesSearchTokens(n, []string{"meet", "q3"}))
	assert.False(t, MatchesSearchTokens(n, []string{"meet", "budget"}))
}
