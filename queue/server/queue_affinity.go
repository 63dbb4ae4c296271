package server

import (
	"strings"

	"github.com/RoaringBitmap/roaring"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
)

// ChangeAffinity adds and removes preferred affinities of a worker.
// Unknown affinities to remove are reported in the warning.
func (q *Queue) ChangeAffinity(c *domain.ClientID, add, del []string) (string, error) {
	if !c.IsComplete() {
		return "", q.reject(domain.InvalidParameter,
			"preferred affinities can only be changed by clients with a node and a session")
	}
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	addIDs := roaring.NewBitmap()
	for _, token := range add {
		addIDs.Add(q.affinities.ResolveToken(token))
	}
	delIDs := roaring.NewBitmap()
	var unknown []string
	for _, token := range del {
		if id := q.affinities.GetIDByToken(token); id != 0 {
			delIDs.Add(id)
		} else {
			unknown = append(unknown, token)
		}
	}

	err := q.clients.UpdatePreferredAffinities(c, addIDs, delIDs, p.MaxAffinities)
	q.flushDictionaries()
	if err != nil {
		q.stat.Counter(stats.NSRejectedCounter).Inc(1)
		return "", err
	}

	if len(unknown) == 0 {
		return "", nil
	}
	warning := "unknown affinities to delete: " + strings.Join(unknown, ", ")
	log.WithFields(
		log.Fields{
			"queue":    q.name,
			"node":     c.Node,
			"affinity": unknown,
		}).Warn("Client asked to delete unknown affinities")
	return warning, nil
}

// SetAffinity replaces the preferred affinities of a worker.
func (q *Queue) SetAffinity(c *domain.ClientID, tokens []string) error {
	if !c.IsComplete() {
		return q.reject(domain.InvalidParameter,
			"preferred affinities can only be set by clients with a node and a session")
	}
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	ids := roaring.NewBitmap()
	for _, token := range tokens {
		ids.Add(q.affinities.ResolveToken(token))
	}
	err := q.clients.SetPreferredAffinities(c, ids, p.MaxAffinities)
	q.flushDictionaries()
	return err
}

// ClearWorkerNode forgets everything a worker holds: its wait, its
// preferred affinities, and its running and reading jobs, which go back
// to the queue.
func (q *Queue) ClearWorkerNode(c *domain.ClientID) error {
	if !c.IsComplete() {
		return q.reject(domain.InvalidParameter, "only clients with a node and a session can be cleared")
	}
	p := q.GetParameters()
	now := q.clock.Now()

	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.touchClient(c, now, p)

	if port := q.clients.GetWaitPort(c.Node); port != 0 {
		q.notifications.UnregisterListener(c.Address, port)
	}
	running, reading := q.clients.ClearClient(c, now)
	q.releaseJobs(c, running, reading, domain.EventClear, now, p)
	log.WithFields(
		log.Fields{
			"queue":   q.name,
			"node":    c.Node,
			"running": running.GetCardinality(),
			"reading": reading.GetCardinality(),
		}).Info("Worker node cleared")
	return nil
}

// GetAffinityList renders every affinity as token=jobcount joined with
// '&'.
func (q *Queue) GetAffinityList() string {
	return q.affinities.GetAffinityList()
}

// GetAffinityTokenByID returns "" for an unknown id.
func (q *Queue) GetAffinityTokenByID(id uint32) string {
	return q.affinities.GetTokenByID(id)
}
