package server

import (
	"io"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/storage"
)

// Load rebuilds the registries from the store and restores the id
// counter. It must run before the queue serves requests.
func (q *Queue) Load() error {
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()

	affs, err := q.store.LoadAffinities()
	if err != nil {
		return errors.Wrap(err, "loading affinities")
	}
	groups, err := q.store.LoadGroups()
	if err != nil {
		return errors.Wrap(err, "loading groups")
	}
	q.affinities.LoadDictionary(affs)
	q.groups.LoadDictionary(groups)

	var maxID uint32
	count := 0
	err = q.store.ForEachJob(func(job *domain.Job) error {
		q.tracker.SetStatus(job.ID, job.Status)
		q.affinities.AddJobToAffinity(job.ID, job.AffinityID)
		q.groups.AddJobByID(job.GroupID, job.ID)
		var eventTime time.Time
		if ev := job.LastEvent(); ev != nil {
			eventTime = ev.Timestamp
		}
		q.gc.RegisterJob(job.ID, job.SubmitTime(), job.AffinityID, job.GroupID,
			job.ExpirationTime(p.Timeouts(), eventTime))
		if job.ID > maxID {
			maxID = job.ID
		}
		count++
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "loading jobs")
	}
	q.affinities.FinalizeLoading()
	q.groups.FinalizeLoading()

	counter, err := q.store.StartCounter()
	if err != nil {
		return errors.Wrap(err, "loading start counter")
	}
	q.lastID = counter
	if maxID > q.lastID {
		q.lastID = maxID
	}
	// the next allocation persists a fresh counter
	q.savedID = q.lastID

	log.WithFields(
		log.Fields{
			"queue":      q.name,
			"jobs":       count,
			"affinities": len(affs),
			"groups":     len(groups),
			"lastID":     q.lastID,
			"elapsed":    q.clock.Now().Sub(now),
		}).Info("Queue loaded")
	return nil
}

// Truncate drops every job, affinity and group. Clients stay registered
// but lose their jobs and affinities. Job ids keep growing.
func (q *Queue) Truncate() error {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	// whatever is journaled refers to entries about to go
	q.affinities.DrainChanges()
	q.groups.DrainChanges()

	next := q.lastID + IDAllocationStep
	err := q.commit(func(tx storage.Tx) error {
		if err := tx.Truncate(); err != nil {
			return errors.Wrap(err, "truncating store")
		}
		return tx.SetStartCounter(next)
	})
	if err != nil {
		log.WithFields(
			log.Fields{
				"queue": q.name,
				"err":   err,
			}).Error("Failed to truncate queue")
		return err
	}
	q.savedID = next

	q.tracker.ClearAll()
	q.gc.Clear()
	q.clients.ClearJobs()
	q.affinities.ClearMemory()
	q.groups.ClearMemory()
	q.notifications.ClearExactNotifications()
	q.deleteMu.Lock()
	q.toDelete.Clear()
	q.deleteMu.Unlock()

	log.WithFields(
		log.Fields{
			"queue": q.name,
		}).Warn("Queue truncated")
	return nil
}

func (q *Queue) IsEmpty() bool {
	return !q.tracker.AnyJobs()
}

func (q *Queue) CountStatus(status domain.JobStatus) uint64 {
	return q.tracker.CountStatus(status)
}

// CountActiveJobs counts pending, running and reading jobs.
func (q *Queue) CountActiveJobs() uint64 {
	return q.tracker.CountActive()
}

// StatusCounts returns the number of jobs per status.
func (q *Queue) StatusCounts() map[string]uint64 {
	out := make(map[string]uint64, domain.StatusCount)
	for status, n := range q.tracker.Count() {
		out[status.String()] = n
	}
	return out
}

func (q *Queue) ClientsSnapshot() []ClientInfo {
	return q.clients.Snapshot(q.clock.Now())
}

func (q *Queue) NotificationsSnapshot() []ListenerInfo {
	return q.notifications.Snapshot()
}

func (q *Queue) AffinitiesSnapshot() []AffinityStatistics {
	return q.affinities.GetAffinityStatistics(q.tracker)
}

func (q *Queue) GroupsSnapshot() []GroupInfo {
	return q.groups.Snapshot()
}

// DebugDump writes every registry of the queue in a human readable form.
func (q *Queue) DebugDump(w io.Writer) {
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
	cfg.Fprintf(w, "queue %s\n", q.name)
	cfg.Fprintf(w, "parameters: %+v\n", q.GetParameters())
	cfg.Fprintf(w, "refuse submits: %v\n", q.GetRefuseSubmits())
	cfg.Fdump(w, q.StatusCounts())
	cfg.Fdump(w, q.ClientsSnapshot())
	cfg.Fdump(w, q.NotificationsSnapshot())
	cfg.Fdump(w, q.AffinitiesSnapshot())
	cfg.Fdump(w, q.GroupsSnapshot())
	cfg.Fprintf(w, "pending deletes: %v\n", q.pendingDeletes().ToArray())
}
