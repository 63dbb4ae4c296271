package server

import (
	"time"

	"github.com/twitter/netschedule/queue/domain"
)

// IDAllocationStep is how far ahead of the last handed out job id the
// persisted start counter is moved.
const IDAllocationStep = 1000

// QueueParams are the tunables of one queue. They can be swapped at
// runtime with Queue.SetParameters.
type QueueParams struct {
	// Lifetime of a job in a non running status, counted from its last
	// update.
	Timeout time.Duration
	// Lifetime of a Running or Reading job when the job sets none.
	RunTimeout time.Duration
	// Upper bound on the time a job may stay pending after submission.
	PendingTimeout time.Duration
	// How often the execution watcher looks for expired runs.
	RunTimeoutPrecision time.Duration

	// A job that failed or timed out more than FailedRetries times stays
	// Failed (ReadFailed for reads) instead of going back.
	FailedRetries uint32

	MaxInputSize  int
	MaxOutputSize int

	// Zero disables blacklisting.
	BlacklistTime time.Duration

	// Preferred affinities of a worker idle for longer are dropped.
	WnodeTimeout time.Duration
	// Clients idle for longer and holding nothing are forgotten.
	ClientInactivityTimeout time.Duration
	// Upper bound of preferred affinities per client, zero is unbounded.
	MaxAffinities int
	// Pending jobs older than this are offered to exclusive new affinity
	// workers. Zero disables it.
	MaxPendingWaitTimeout time.Duration

	NotifHifreqInterval time.Duration
	NotifHifreqPeriod   time.Duration
	NotifLofreqMult     uint
	NotifHandicap       time.Duration

	PurgeTimeout    time.Duration
	ScanBatchSize   int
	PurgeBatchSize  int
	DeleteBatchSize int
	GroupGCBatch    int

	// Affinity garbage collection marks, in percent of AffinityMax.
	AffinityMax         int
	AffinityHighMark    int
	AffinityLowMark     int
	AffinityHighRemoval int
	AffinityLowRemoval  int
	AffinityDirtPercent int
}

// DefaultQueueParams mirrors the defaults of a stock queue section.
func DefaultQueueParams() QueueParams {
	return QueueParams{
		Timeout:                 time.Hour,
		RunTimeout:              time.Hour,
		PendingTimeout:          7 * 24 * time.Hour,
		RunTimeoutPrecision:     3 * time.Second,
		FailedRetries:           0,
		MaxInputSize:            2048,
		MaxOutputSize:           2048,
		BlacklistTime:           2 * time.Hour,
		WnodeTimeout:            40 * time.Second,
		ClientInactivityTimeout: 20 * time.Hour,
		MaxAffinities:           10000,
		NotifHifreqInterval:     100 * time.Millisecond,
		NotifHifreqPeriod:       5 * time.Second,
		NotifLofreqMult:         50,
		NotifHandicap:           0,
		PurgeTimeout:            100 * time.Millisecond,
		ScanBatchSize:           10000,
		PurgeBatchSize:          100,
		DeleteBatchSize:         100,
		GroupGCBatch:            100,
		AffinityMax:             10000,
		AffinityHighMark:        90,
		AffinityLowMark:         50,
		AffinityHighRemoval:     1000,
		AffinityLowRemoval:      100,
		AffinityDirtPercent:     20,
	}
}

func (p QueueParams) Timeouts() domain.Timeouts {
	return domain.Timeouts{
		Timeout:        p.Timeout,
		RunTimeout:     p.RunTimeout,
		PendingTimeout: p.PendingTimeout,
	}
}

// affinityRemovals returns how many affinity entries one purge pass may
// delete given the registry size and the number of removal candidates.
func (p QueueParams) affinityRemovals(count, candidates int) int {
	if count == 0 || candidates == 0 || p.AffinityMax <= 0 {
		return 0
	}
	switch {
	case count >= p.AffinityMax*p.AffinityHighMark/100:
		return p.AffinityHighRemoval
	case count >= p.AffinityMax*p.AffinityLowMark/100:
		return p.AffinityLowRemoval
	case candidates*100/count >= p.AffinityDirtPercent:
		return p.AffinityLowRemoval
	}
	return 0
}
