package server

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/common/clock"
	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/storage"
)

// StatusChange describes one job transition. The queue hands it to its
// observer, if any, after the transition was committed.
type StatusChange struct {
	Queue     string           `json:"queue"`
	JobID     uint32           `json:"job_id"`
	JobKey    string           `json:"job_key"`
	From      domain.JobStatus `json:"-"`
	To        domain.JobStatus `json:"-"`
	FromName  string           `json:"from"`
	ToName    string           `json:"to"`
	Event     string           `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
}

// Queue sequences every job operation of one NetSchedule queue over the
// status tracker, the registries and the store.
//
// Operations run under a single op lock. Changes are written to the store
// first and applied to the in-memory registries only once the transaction
// committed, so a storage failure leaves the queue as it was. Service
// sweeps take the op lock once per job.
type Queue struct {
	name  string
	store storage.Store
	keys  domain.KeyGenerator
	clock clock.Clock
	stat  stats.StatsReceiver

	opMu sync.Mutex

	paramsMu      sync.RWMutex
	params        QueueParams
	refuseSubmits bool
	observer      func(StatusChange)

	tracker       *StatusTracker
	affinities    *AffinityRegistry
	groups        *GroupRegistry
	clients       *ClientRegistry
	notifications *NotificationList
	gc            *GCRegistry

	// guarded by opMu
	lastID  uint32
	savedID uint32
	rnd     *rand.Rand

	deleteMu sync.Mutex
	toDelete *roaring.Bitmap

	sweepMu      sync.Mutex
	expiryCursor map[domain.JobStatus]uint32
}

// NewQueue creates an empty queue. Call Load to restore the jobs a
// durable store already holds.
func NewQueue(name string, params QueueParams, store storage.Store, sender Sender,
	keys domain.KeyGenerator, clk clock.Clock, stat stats.StatsReceiver) *Queue {

	affinities := NewAffinityRegistry()
	clients := NewClientRegistry(affinities)
	clients.SetBlacklistTimeout(params.BlacklistTime)
	stat = stat.Scope("queue", name)

	return &Queue{
		name:          name,
		store:         store,
		keys:          keys,
		clock:         clk,
		stat:          stat,
		params:        params,
		tracker:       NewStatusTracker(),
		affinities:    affinities,
		groups:        NewGroupRegistry(),
		clients:       clients,
		notifications: NewNotificationList(keys.Host, name, sender, clients, stat),
		gc:            NewGCRegistry(),
		rnd:           rand.New(rand.NewSource(clk.Now().UnixNano())),
		toDelete:      roaring.NewBitmap(),
		expiryCursor:  make(map[domain.JobStatus]uint32),
	}
}

func (q *Queue) Name() string {
	return q.name
}

// GetParameters returns a copy of the current parameters.
func (q *Queue) GetParameters() QueueParams {
	q.paramsMu.RLock()
	defer q.paramsMu.RUnlock()
	return q.params
}

// SetParameters replaces the parameters. Jobs already in flight keep the
// lifetimes computed under the old ones until their next transition.
func (q *Queue) SetParameters(p QueueParams) {
	q.paramsMu.Lock()
	q.params = p
	q.paramsMu.Unlock()
	q.clients.SetBlacklistTimeout(p.BlacklistTime)
	log.WithFields(
		log.Fields{
			"queue": q.name,
		}).Info("Queue parameters updated")
}

func (q *Queue) SetRefuseSubmits(refuse bool) {
	q.paramsMu.Lock()
	defer q.paramsMu.Unlock()
	q.refuseSubmits = refuse
}

func (q *Queue) GetRefuseSubmits() bool {
	q.paramsMu.RLock()
	defer q.paramsMu.RUnlock()
	return q.refuseSubmits
}

// SetStatusObserver installs fn to be called after every committed
// transition. fn runs under the op lock and must not block or call back
// into the queue.
func (q *Queue) SetStatusObserver(fn func(StatusChange)) {
	q.paramsMu.Lock()
	defer q.paramsMu.Unlock()
	q.observer = fn
}

// JobKey renders id the way clients see it.
func (q *Queue) JobKey(id uint32) string {
	return q.keys.Key(id)
}

// allocateIDs reserves count consecutive ids. A non zero persist is the
// start counter value the caller must write in the same transaction as
// the jobs. Must be called with opMu held.
func (q *Queue) allocateIDs(count uint32) (first, persist uint32) {
	first = q.lastID + 1
	q.lastID += count
	if q.lastID >= q.savedID {
		persist = q.lastID + IDAllocationStep
	}
	return first, persist
}

// commit runs write in a transaction together with every pending
// affinity and group dictionary change. write may be nil to flush the
// dictionaries alone. Dictionary changes leave the journal only once the
// transaction commits; after a failure the next commit retries them.
func (q *Queue) commit(write func(tx storage.Tx) error) error {
	affs := q.affinities.PendingChanges()
	groups := q.groups.PendingChanges()

	tx, err := q.store.Begin()
	if err != nil {
		q.stat.Counter(stats.NSStorageErrCounter).Inc(1)
		return errors.Wrap(err, "beginning transaction")
	}
	if write != nil {
		if err := write(tx); err != nil {
			tx.Rollback()
			q.stat.Counter(stats.NSStorageErrCounter).Inc(1)
			return err
		}
	}
	if err := writeDictChanges(tx, affs, groups); err != nil {
		tx.Rollback()
		q.stat.Counter(stats.NSStorageErrCounter).Inc(1)
		return errors.Wrap(err, "writing dictionaries")
	}
	if err := tx.Commit(); err != nil {
		q.stat.Counter(stats.NSStorageErrCounter).Inc(1)
		return errors.Wrap(err, "committing transaction")
	}
	q.affinities.AckChanges(len(affs))
	q.groups.AckChanges(len(groups))
	return nil
}

func writeDictChanges(tx storage.Tx, affs, groups []DictChange) error {
	for _, ch := range affs {
		var err error
		if ch.Deleted {
			err = tx.DeleteAffinity(ch.ID)
		} else {
			err = tx.PutAffinity(ch.ID, ch.Token)
		}
		if err != nil {
			return errors.Wrapf(err, "affinity %d", ch.ID)
		}
	}
	for _, ch := range groups {
		var err error
		if ch.Deleted {
			err = tx.DeleteGroup(ch.ID)
		} else {
			err = tx.PutGroup(ch.ID, ch.Token)
		}
		if err != nil {
			return errors.Wrapf(err, "group %d", ch.ID)
		}
	}
	return nil
}

// flushDictionaries persists dictionary changes made outside of a job
// write, e.g. affinities resolved for a waiting worker.
func (q *Queue) flushDictionaries() {
	if err := q.commit(nil); err != nil {
		log.WithFields(
			log.Fields{
				"queue": q.name,
				"err":   err,
			}).Error("Failed to write affinity and group dictionaries")
	}
}

// saveJobs writes jobs and marks their events stored.
func (q *Queue) saveJobs(jobs ...*domain.Job) error {
	err := q.commit(func(tx storage.Tx) error {
		for _, job := range jobs {
			if err := tx.PutJob(job); err != nil {
				return errors.Wrapf(err, "writing job %d", job.ID)
			}
		}
		return nil
	})
	if err != nil {
		fields := log.Fields{"queue": q.name, "err": err}
		if len(jobs) == 1 {
			fields["jobID"] = jobs[0].ID
		}
		log.WithFields(fields).Error("Failed to store job")
		return err
	}
	for _, job := range jobs {
		job.MarkStored()
	}
	return nil
}

// fetchJob loads a job the tracker knows about.
func (q *Queue) fetchJob(id uint32) (*domain.Job, error) {
	job, err := q.store.FetchJob(id)
	if err != nil {
		q.stat.Counter(stats.NSStorageErrCounter).Inc(1)
		log.WithFields(
			log.Fields{
				"queue": q.name,
				"jobID": id,
				"err":   err,
			}).Error("Failed to fetch job")
		return nil, errors.Wrapf(err, "fetching job %d", id)
	}
	return job, nil
}

func (q *Queue) reject(code domain.ErrorCode, format string, args ...interface{}) error {
	q.stat.Counter(stats.NSRejectedCounter).Inc(1)
	return domain.NewError(code, format, args...)
}

// afterTransition applies a committed status change of job to the
// registries and tells whoever asked to hear about it.
func (q *Queue) afterTransition(job *domain.Job, from domain.JobStatus, kind domain.EventKind, p QueueParams, now time.Time) {
	q.tracker.SetStatus(job.ID, job.Status)
	q.gc.UpdateLifetime(job.ID, job.ExpirationTime(p.Timeouts(), now))
	q.stat.Counter(fmt.Sprintf("transition_%s_%s", from, job.Status)).Inc(1)
	q.observe(job.ID, from, job.Status, kind, now)

	key := q.keys.Key(job.ID)
	if job.ShouldNotifyListener(now) {
		q.notifications.NotifyJobStatus(job.ListenerNotifAddr, job.ListenerNotifPort,
			key, job.Status, job.LastEventIndex())
	}
	switch job.Status {
	case domain.StatusDone, domain.StatusFailed, domain.StatusCanceled:
		if job.ShouldNotifySubmitter(now) {
			q.notifications.NotifyJobStatus(job.SubmitAddr(), job.SubmNotifPort,
				key, job.Status, job.LastEventIndex())
		}
	case domain.StatusPending:
		if from != domain.StatusPending {
			q.notifications.NotifyJob(job.ID, job.AffinityID, now, p.NotifHifreqPeriod, p.NotifHandicap)
		}
	}
}

func (q *Queue) observe(id uint32, from, to domain.JobStatus, kind domain.EventKind, now time.Time) {
	q.paramsMu.RLock()
	fn := q.observer
	q.paramsMu.RUnlock()
	if fn == nil {
		return
	}
	fn(StatusChange{
		Queue:     q.name,
		JobID:     id,
		JobKey:    q.keys.Key(id),
		From:      from,
		To:        to,
		FromName:  from.String(),
		ToName:    to.String(),
		Event:     kind.String(),
		Timestamp: now,
	})
}

// lastHolder returns the node of the latest event of the given kind, ""
// when there is none.
func lastHolder(job *domain.Job, kind domain.EventKind) string {
	for i := len(job.Events) - 1; i >= 0; i-- {
		if job.Events[i].Kind == kind {
			return job.Events[i].ClientNode
		}
	}
	return ""
}

// touchClient refreshes the client and, on a session change, gives back
// whatever it held under its previous session. Must be called with opMu
// held.
func (q *Queue) touchClient(c *domain.ClientID, now time.Time, p QueueParams) {
	running, reading, _ := q.clients.Touch(c, now)
	if running == nil && reading == nil {
		return
	}
	log.WithFields(
		log.Fields{
			"queue":   q.name,
			"node":    c.Node,
			"session": c.Session,
			"running": running.GetCardinality(),
			"reading": reading.GetCardinality(),
		}).Warn("Client session changed, releasing its jobs")
	q.releaseJobs(c, running, reading, domain.EventSessionChanged, now, p)
}

// releaseJobs moves jobs a client lost back: running ones to Pending (or
// Failed past the retry limit), reading ones to Done (or ReadFailed).
func (q *Queue) releaseJobs(c *domain.ClientID, running, reading *roaring.Bitmap,
	kind domain.EventKind, now time.Time, p QueueParams) {

	release := func(ids *roaring.Bitmap, held domain.JobStatus) {
		if ids == nil {
			return
		}
		it := ids.Iterator()
		for it.HasNext() {
			id := it.Next()
			if q.tracker.GetStatus(id) != held {
				continue
			}
			job, err := q.fetchJob(id)
			if err != nil {
				continue
			}
			from := job.Status
			if held == domain.StatusRunning {
				job.Status = domain.StatusPending
				if job.RunCount > p.FailedRetries {
					job.Status = domain.StatusFailed
				}
			} else {
				job.Status = domain.StatusDone
				if job.ReadCount > p.FailedRetries {
					job.Status = domain.StatusReadFailed
				}
			}
			job.LastTouch = now
			job.AppendEvent(domain.NewJobEvent(kind, job.Status, now, c))
			if err := q.saveJobs(job); err != nil {
				continue
			}
			q.stat.Counter(stats.NSSessionChangeCounter).Inc(1)
			q.afterTransition(job, from, kind, p, now)
		}
	}
	release(running, domain.StatusRunning)
	release(reading, domain.StatusReading)
}
