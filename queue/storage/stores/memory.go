// Package stores provides implementations of storage.Store.
package stores

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/storage"
)

var errTxDone = errors.New("transaction already committed or rolled back")

/*
 * In memory implementation of a Store, does NOT durably persist anything.
 * Meant for tests and for queues that can afford to lose their jobs on
 * restart.
 */
type memoryStore struct {
	mutex      sync.RWMutex
	jobs       map[uint32]*domain.Job
	affinities map[uint32]string
	groups     map[uint32]string
	counter    uint32
}

func NewMemoryStore() storage.Store {
	return &memoryStore{
		jobs:       make(map[uint32]*domain.Job),
		affinities: make(map[uint32]string),
		groups:     make(map[uint32]string),
	}
}

func (s *memoryStore) FetchJob(id uint32) (*domain.Job, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *memoryStore) ForEachJob(fn func(*domain.Job) error) error {
	s.mutex.RLock()
	ids := make([]int, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, int(id))
	}
	s.mutex.RUnlock()
	sort.Ints(ids)

	for _, id := range ids {
		job, err := s.FetchJob(uint32(id))
		if err == storage.ErrNotFound {
			continue
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryStore) LoadAffinities() (map[uint32]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return copyDict(s.affinities), nil
}

func (s *memoryStore) LoadGroups() (map[uint32]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return copyDict(s.groups), nil
}

func (s *memoryStore) StartCounter() (uint32, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.counter, nil
}

func (s *memoryStore) Begin() (storage.Tx, error) {
	return &memoryTx{store: s}, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func copyDict(d map[uint32]string) map[uint32]string {
	out := make(map[uint32]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// memoryTx stages writes as closures and applies them under the store's
// write lock on Commit.
type memoryTx struct {
	store *memoryStore
	ops   []func(*memoryStore)
	done  bool
}

func (t *memoryTx) stage(op func(*memoryStore)) error {
	if t.done {
		return errTxDone
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *memoryTx) PutJob(job *domain.Job) error {
	if job.ID == 0 {
		return errors.New("job without an id")
	}
	if len(job.Input) > domain.MaxOverflowSize || len(job.Output) > domain.MaxOverflowSize {
		return errors.Errorf("payload of job %d exceeds %d bytes", job.ID, domain.MaxOverflowSize)
	}
	c := job.Clone()
	c.MarkStored()
	return t.stage(func(s *memoryStore) { s.jobs[c.ID] = c })
}

func (t *memoryTx) DeleteJob(id uint32) error {
	return t.stage(func(s *memoryStore) { delete(s.jobs, id) })
}

func (t *memoryTx) PutAffinity(id uint32, token string) error {
	return t.stage(func(s *memoryStore) { s.affinities[id] = token })
}

func (t *memoryTx) DeleteAffinity(id uint32) error {
	return t.stage(func(s *memoryStore) { delete(s.affinities, id) })
}

func (t *memoryTx) PutGroup(id uint32, token string) error {
	return t.stage(func(s *memoryStore) { s.groups[id] = token })
}

func (t *memoryTx) DeleteGroup(id uint32) error {
	return t.stage(func(s *memoryStore) { delete(s.groups, id) })
}

func (t *memoryTx) SetStartCounter(next uint32) error {
	return t.stage(func(s *memoryStore) { s.counter = next })
}

func (t *memoryTx) Truncate() error {
	return t.stage(func(s *memoryStore) {
		s.jobs = make(map[uint32]*domain.Job)
		s.affinities = make(map[uint32]string)
		s.groups = make(map[uint32]string)
		s.counter = 0
	})
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()
	for _, op := range t.ops {
		op(t.store)
	}
	t.ops = nil
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.ops = nil
	return nil
}
