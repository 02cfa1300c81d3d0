// Package syncq is the durable queue of pending remote writes. Tasks live in
// the syncQueue collection of the local store and are delivered strictly in
// creation order; a failing task blocks the tasks behind it.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/events"
	"github.com/pinbridge/vault/internal/logging"
	"github.com/pinbridge/vault/internal/store"
)

// Defaults
const (
	DefaultMaxRetries = 8
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second

	maxErrorLength = 1000
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("sync queue is closed")

// Handler delivers one task to the remote side
type Handler interface {
	Handle(ctx context.Context, task domain.SyncTask) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task domain.SyncTask) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, task domain.SyncTask) error {
	return f(ctx, task)
}

// Options configures a Queue
type Options struct {
	Store      store.LocalStore
	Handler    Handler
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Status is published after every drain pass and state change
type Status struct {
	Pending   int
	HeadRetry int
	LastError string
	Online    bool
	Draining  bool
}

// Queue is a single-flight, order-preserving retry queue
type Queue struct {
	store      store.LocalStore
	handler    Handler
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        *logrus.Entry
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	processing bool
	rerun      bool
	closed     bool
	online     bool
	lastErr    string
	timer      *time.Timer

	status events.Feed[Status]
}

// New creates a queue. Nothing is delivered until a task is enqueued or Start
// is called.
func New(opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, errors.New("local store is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("task handler is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:      opts.Store,
		handler:    opts.Handler,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		log:        logging.Component(opts.Logger, "syncq"),
		now:        opts.Now,
		ctx:        ctx,
		cancel:     cancel,
		online:     true,
	}, nil
}

// Status returns the status feed
func (q *Queue) Status() *events.Feed[Status] {
	return &q.status
}

// Start drains whatever was left in the queue by a previous process
func (q *Queue) Start() {
	q.Trigger()
}

// Enqueue appends a task and starts a drain in the background
func (q *Queue) Enqueue(ctx context.Context, taskType domain.TaskType, payload []byte, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task := domain.SyncTask{
		ID:      uuid.NewString(),
		Type:    taskType,
		Payload: json.RawMessage(payload),
		UID:     uid,
		Created: q.now().UnixMilli(),
	}
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode %s task: %w", taskType, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	key, err := q.store.Add(store.CollectionSyncQueue, value)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to persist %s task: %w", taskType, err)
	}

	q.log.WithFields(logrus.Fields{"task": taskType, "key": key}).Debug("task enqueued")
	q.Trigger()
	return nil
}

// EnqueueOrUpdate replaces the payload of the last task when the queue is idle
// and that task has the same type and uid, resetting its retry counter.
// Otherwise it behaves like Enqueue.
func (q *Queue) EnqueueOrUpdate(ctx context.Context, taskType domain.TaskType, payload []byte, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if !q.processing {
		tasks, err := q.load()
		if err != nil {
			q.mu.Unlock()
			return err
		}
		if n := len(tasks); n > 0 && tasks[n-1].Type == taskType && tasks[n-1].UID == uid {
			last := tasks[n-1]
			last.Payload = json.RawMessage(payload)
			last.Retry = 0
			last.LastError = ""
			err := q.save(last)
			q.mu.Unlock()
			if err != nil {
				return err
			}
			q.log.WithFields(logrus.Fields{"task": taskType, "key": last.Key}).Debug("task coalesced")
			q.Trigger()
			return nil
		}
	}
	q.mu.Unlock()

	return q.Enqueue(ctx, taskType, payload, uid)
}

// Trigger starts a background drain unless the queue is closed
func (q *Queue) Trigger() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		if err := q.ProcessQueue(q.ctx); err != nil {
			q.log.WithError(err).Debug("drain stopped")
		}
	}()
}

// SetOnline records connectivity and drains on an offline to online edge
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	q.publishStatus()
	if online && !was {
		q.log.Info("connectivity restored, draining queue")
		q.Trigger()
	}
}

// ProcessQueue delivers tasks in creation order until the queue is empty or a
// task fails. A call made while another drain is running returns immediately;
// the running drain then checks the queue once more before it finishes.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	if q.processing {
		q.rerun = true
		q.mu.Unlock()
		return nil
	}
	q.processing = true
	q.rerun = false
	q.mu.Unlock()
	q.publishStatus()

	released := false
	var retryAfter time.Duration
	defer func() {
		if !released {
			q.mu.Lock()
			q.processing = false
			q.rerun = false
			q.mu.Unlock()
		}
		if retryAfter > 0 {
			q.schedule(retryAfter)
		}
		q.publishStatus()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tasks, err := q.load()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			q.mu.Lock()
			if q.rerun {
				q.rerun = false
				q.mu.Unlock()
				continue
			}
			q.processing = false
			released = true
			q.mu.Unlock()
			return nil
		}

		task := tasks[0]
		entry := q.log.WithFields(logrus.Fields{"task": task.Type, "key": task.Key, "retry": task.Retry})
		if herr := q.handler.Handle(ctx, task); herr != nil {
			retryAfter = q.fail(task, herr, entry)
			return fmt.Errorf("task %s failed: %w", task.Type, herr)
		}

		if err := q.store.Delete(store.CollectionSyncQueue, task.Key); err != nil {
			return fmt.Errorf("failed to remove delivered task: %w", err)
		}
		q.mu.Lock()
		q.lastErr = ""
		q.mu.Unlock()
		entry.Debug("task delivered")
	}
}

// fail persists the task with retry+1, capped at maxRetries, and returns the
// delay before the next drain, or zero once the retries are spent
func (q *Queue) fail(task domain.SyncTask, cause error, entry *logrus.Entry) time.Duration {
	msg := cause.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	task.Retry = min(task.Retry+1, q.maxRetries)
	task.LastError = msg

	q.mu.Lock()
	q.lastErr = msg
	err := q.save(task)
	q.mu.Unlock()
	if err != nil {
		entry.WithError(err).Error("failed to persist task retry")
	}

	if task.Retry >= q.maxRetries {
		entry.WithError(cause).Error("task reached max retries, waiting for connectivity change")
		return 0
	}
	delay := q.Backoff(task.Retry)
	entry.WithError(cause).WithField("delay", delay).Warn("task failed, retry scheduled")
	return delay
}

// Backoff returns min(maxDelay, baseDelay * retry)
func (q *Queue) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if q.baseDelay > 0 && time.Duration(retry) > q.maxDelay/q.baseDelay {
		return q.maxDelay
	}
	return min(q.baseDelay*time.Duration(retry), q.maxDelay)
}

func (q *Queue) schedule(delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(delay, q.Trigger)
}

// Tasks returns the queued tasks in delivery order
func (q *Queue) Tasks() ([]domain.SyncTask, error) {
	return q.load()
}

// Draining reports whether a drain pass is running
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Snapshot computes the current status
func (q *Queue) Snapshot() Status {
	q.mu.Lock()
	st := Status{LastError: q.lastErr, Online: q.online, Draining: q.processing}
	q.mu.Unlock()

	if tasks, err := q.load(); err == nil {
		st.Pending = len(tasks)
		if len(tasks) > 0 {
			st.HeadRetry = tasks[0].Retry
			if st.LastError == "" {
				st.LastError = tasks[0].LastError
			}
		}
	}
	return st
}

func (q *Queue) publishStatus() {
	q.status.Publish(q.Snapshot())
}

// Close stops pending retries and waits for a running drain to return
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
	q.status.Close()
}

func (q *Queue) load() ([]domain.SyncTask, error) {
	records, err := q.store.GetAll(store.CollectionSyncQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}
	tasks := make([]domain.SyncTask, 0, len(records))
	for _, rec := range records {
		var task domain.SyncTask
		if err := json.Unmarshal(rec.Value, &task); err != nil {
			q.log.WithError(err).WithField("key", rec.Key).Error("unreadable sync task left in place")
			continue
		}
		task.Key = rec.Key
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *Queue) save(task domain.SyncTask) error {
	value, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.store.Put(store.CollectionSyncQueue, task.Key, value); err != nil {
		return fmt.Errorf("failed to persist %s task: %w", task.Type, err)
	}
	return nil
}
