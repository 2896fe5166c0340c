package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/datallboy/newsflow/internal/infra/logger"
)

// Store persists task snapshots across restarts.
type Store interface {
	SaveTask(Snapshot) error
	DeleteTask(key string) error
	GetActiveTasks() ([]Snapshot, error)
}

// EventType tells what an Event carries.
type EventType string

const (
	EventTask  EventType = "task"
	EventFile  EventType = "file"
	EventError EventType = "error"
)

// Event is what subscribers of the QueueManager receive.
type Event struct {
	Type   EventType   `json:"type"`
	TaskID uint64      `json:"task_id"`
	Task   *TaskInfo   `json:"task,omitempty"`
	File   *FileReport `json:"file,omitempty"`
	Error  string      `json:"error,omitempty"`
}

const subscriberBuffer = 64

// QueueManager puts an Engine behind task keys, saves task snapshots to the
// store and fans engine events out to subscribers.
type QueueManager struct {
	engine *Engine
	store  Store
	log    *logger.Logger

	mu      sync.Mutex
	events  []Event
	dirty   map[uint64]bool
	deletes []string
	signal  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	subMu   sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

// NewQueueManager builds the engine with the manager as its listener. store
// may be nil, in which case nothing is persisted (CLI mode).
func NewQueueManager(opts Options, store Store) (*QueueManager, error) {
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	m := &QueueManager{
		store:  store,
		log:    log.Named("queue"),
		dirty:  make(map[uint64]bool),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		subs:   make(map[int]chan Event),
	}
	opts.Listener = m
	e, err := New(opts)
	if err != nil {
		return nil, err
	}
	m.engine = e
	return m, nil
}

func (m *QueueManager) Engine() *Engine { return m.engine }

// Start runs the engine. With loadExisting, tasks that were unfinished when
// the store was last written are restored.
func (m *QueueManager) Start(ctx context.Context, loadExisting bool) error {
	m.engine.Start(ctx)
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)

	if !loadExisting || m.store == nil {
		return nil
	}
	snaps, err := m.store.GetActiveTasks()
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}
	for _, s := range snaps {
		info, err := m.engine.Restore(s)
		if err != nil {
			m.log.Error("could not restore %s (%s): %v", s.Info.Key, s.Info.Desc, err)
			continue
		}
		m.log.Info("restored %s as task %d (%s)", info.Key, info.ID, info.State)
	}
	return nil
}

// Stop stops the engine and writes the final state of every task.
func (m *QueueManager) Stop() {
	m.engine.Stop()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	if m.store != nil {
		snaps, err := m.engine.Snapshots()
		if err != nil {
			m.log.Error("final snapshot failed: %v", err)
		}
		for _, s := range snaps {
			if err := m.store.SaveTask(s); err != nil {
				m.log.Error("%v", err)
			}
		}
	}
	m.subMu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.subMu.Unlock()
}

func (m *QueueManager) FileComplete(f FileReport) {
	m.push(Event{Type: EventFile, TaskID: f.TaskID, File: &f}, 0)
}

func (m *QueueManager) TaskError(e *Error) {
	m.push(Event{Type: EventError, TaskID: e.TaskID, Error: e.Error()}, 0)
}

func (m *QueueManager) TaskUpdate(info TaskInfo) {
	m.push(Event{Type: EventTask, TaskID: info.ID, Task: &info}, info.ID)
}

// push queues an event without blocking the engine loop. A non-zero dirty
// id marks that task for saving.
func (m *QueueManager) push(ev Event, dirty uint64) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	if dirty != 0 {
		m.dirty[dirty] = true
	}
	m.mu.Unlock()
	m.notify()
}

func (m *QueueManager) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *QueueManager) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-m.signal:
			m.flush()
		case <-ctx.Done():
			m.flush()
			return
		}
	}
}

func (m *QueueManager) flush() {
	m.mu.Lock()
	events, dirty, deletes := m.events, m.dirty, m.deletes
	m.events, m.dirty, m.deletes = nil, make(map[uint64]bool), nil
	m.mu.Unlock()

	if m.store != nil {
		for id := range dirty {
			snap, err := m.engine.Snapshot(id)
			if errors.Is(err, ErrUnknownTask) || errors.Is(err, ErrStopped) {
				continue
			}
			if err == nil {
				err = m.store.SaveTask(snap)
			}
			if err != nil {
				m.log.Error("saving task %d: %v", id, err)
			}
		}
		for _, key := range deletes {
			if err := m.store.DeleteTask(key); err != nil {
				m.log.Error("deleting task %s: %v", key, err)
			}
		}
	}

	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ev := range events {
		for id, ch := range m.subs {
			select {
			case ch <- ev:
			default:
				m.log.Debug("subscriber %d is behind, dropping %s event", id, ev.Type)
			}
		}
	}
}

// Subscribe returns a channel of events and the function that ends the
// subscription.
func (m *QueueManager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
			m.subMu.Unlock()
		})
	}
}

// Add creates a task for d and starts it.
func (m *QueueManager) Add(d Download) (TaskInfo, error) {
	info, err := m.engine.Add(d)
	if err != nil {
		return TaskInfo{}, err
	}
	m.log.Info("queued %s: %s, %d articles", info.Key, info.Desc, info.Articles)
	return info, nil
}

// BytesReceived counts bytes read from all servers.
func (m *QueueManager) BytesReceived() uint64 { return m.engine.BytesReceived() }

// GetItem finds a task by key.
func (m *QueueManager) GetItem(key string) (TaskInfo, bool) {
	for _, info := range m.engine.Tasks() {
		if info.Key == key {
			return info, true
		}
	}
	return TaskInfo{}, false
}

// GetAllItems lists the tasks, oldest first.
func (m *QueueManager) GetAllItems() []TaskInfo { return m.engine.Tasks() }

func (m *QueueManager) resolve(key string) (uint64, error) {
	info, ok := m.GetItem(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, key)
	}
	return info.ID, nil
}

func (m *QueueManager) Pause(key string) error {
	id, err := m.resolve(key)
	if err != nil {
		return err
	}
	return m.engine.Pause(id)
}

func (m *QueueManager) Resume(key string) error {
	id, err := m.resolve(key)
	if err != nil {
		return err
	}
	return m.engine.Resume(id)
}

// Cancel kills the task and forgets it.
func (m *QueueManager) Cancel(key string) error {
	id, err := m.resolve(key)
	if err != nil {
		return err
	}
	if err := m.engine.Kill(id); err != nil {
		return err
	}
	m.mu.Lock()
	m.deletes = append(m.deletes, key)
	m.mu.Unlock()
	m.notify()
	return nil
}

// Wait blocks until the task finishes.
func (m *QueueManager) Wait(ctx context.Context, key string) (TaskInfo, error) {
	id, err := m.resolve(key)
	if err != nil {
		return TaskInfo{}, err
	}
	return m.engine.Wait(ctx, id)
}
