// Package storage defines the durable state a queue needs: jobs with their
// events, the affinity and group dictionaries and the id start counter.
// Implementations live in storage/stores.
package storage

import (
	"github.com/pkg/errors"

	"github.com/twitter/netschedule/queue/domain"
)

// ErrNotFound is returned when a job has no record.
var ErrNotFound = errors.New("not found")

// Store is the durable side of a queue.
//
// Reads return owned copies. All writes go through a Tx.
type Store interface {
	// FetchJob returns the job with all its events or ErrNotFound.
	FetchJob(id uint32) (*domain.Job, error)

	// ForEachJob calls fn for every stored job in id order and stops at
	// the first error.
	ForEachJob(fn func(*domain.Job) error) error

	LoadAffinities() (map[uint32]string, error)
	LoadGroups() (map[uint32]string, error)

	// StartCounter is at least the highest id ever handed out, or 0 for
	// a fresh store.
	StartCounter() (uint32, error)

	Begin() (Tx, error)
	Close() error
}

// Tx groups writes that must be applied together. Nothing is visible to
// Store reads until Commit.
type Tx interface {
	// PutJob upserts the job and appends the events past
	// job.StoredEvents(). Callers mark the job stored after Commit.
	PutJob(job *domain.Job) error
	DeleteJob(id uint32) error

	PutAffinity(id uint32, token string) error
	DeleteAffinity(id uint32) error
	PutGroup(id uint32, token string) error
	DeleteGroup(id uint32) error

	SetStartCounter(next uint32) error

	// Truncate drops every job, dictionary entry and the counter.
	Truncate() error

	Commit() error
	Rollback() error
}
