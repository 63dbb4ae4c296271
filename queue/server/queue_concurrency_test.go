package server

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/netschedule/common/clock"
	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/storage/stores"
)

func newSQLiteQueue(t *testing.T) (*Queue, string, func()) {
	dir, err := ioutil.TempDir("", "netschedule-queue")
	require.NoError(t, err)
	path := filepath.Join(dir, "q1.db")
	store, err := stores.NewSQLiteStore(path, 64)
	require.NoError(t, err)
	p := DefaultQueueParams()
	p.FailedRetries = 1000
	q := NewQueue("q1", p, store, &recordingSender{}, testKeys,
		clock.NewFakeClock(time.Unix(1500000000, 0)), stats.NilStatsReceiver())
	require.NoError(t, q.Load())
	return q, path, func() {
		store.Close()
		os.RemoveAll(dir)
	}
}

// assertStoreAgrees checks the tracker against rows read through a fresh
// connection, which has no cache.
func assertStoreAgrees(t *testing.T, q *Queue, path string, ids []uint32) map[uint32]*domain.Job {
	fresh, err := stores.NewSQLiteStore(path, 1)
	require.NoError(t, err)
	defer fresh.Close()

	out := make(map[uint32]*domain.Job)
	for _, id := range ids {
		stored, err := fresh.FetchJob(id)
		require.NoError(t, err)
		assert.Equal(t, q.GetJobStatus(id), stored.Status, "job %d", id)

		dumped, err := q.DumpJob(id)
		require.NoError(t, err)
		assert.Equal(t, stored.Status, dumped.Status, "job %d", id)
		assert.Equal(t, stored.RunCount, dumped.RunCount, "job %d", id)
		assert.Equal(t, len(stored.Events), len(dumped.Events), "job %d", id)
		out[id] = stored
	}
	return out
}

func Test_Queue_DumpDuringGetReturnKeepsCacheFresh(t *testing.T) {
	q, path, cleanup := newSQLiteQueue(t)
	defer cleanup()
	id, err := q.Submit(submitter(), domain.JobRequest{Input: "x"}, "", "")
	require.NoError(t, err)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				q.DumpJob(id)
			}
		}()
	}

	const rounds = 200
	for i := 0; i < rounds; i++ {
		w := worker(fmt.Sprintf("w%d", i), "s")
		job, err := q.GetJobOrWait(w, anyJob())
		require.NoError(t, err)
		require.NotNil(t, job, "round %d", i)
		_, _, err = q.ReturnJob(w, id, job.AuthToken())
		require.NoError(t, err)
	}
	close(stop)
	readers.Wait()

	stored := assertStoreAgrees(t, q, path, []uint32{id})
	assert.Equal(t, domain.StatusPending, stored[id].Status)
	assert.Equal(t, 1+2*rounds, len(stored[id].Events))
}

func Test_Queue_ConcurrentGetsHandOutEachJobOnce(t *testing.T) {
	q, path, cleanup := newSQLiteQueue(t)
	defer cleanup()

	const jobs, workers = 30, 8
	var ids []uint32
	for i := 0; i < jobs; i++ {
		id, err := q.Submit(submitter(), domain.JobRequest{Input: fmt.Sprint(i)}, "", "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var mu sync.Mutex
	got := make(map[uint32]int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := worker(fmt.Sprintf("w%d", i), "s")
			for {
				job, err := q.GetJobOrWait(w, anyJob())
				if err != nil {
					t.Errorf("worker %d: %v", i, err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				got[job.ID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, got, jobs)
	for id, n := range got {
		assert.Equal(t, 1, n, "job %d handed out %d times", id, n)
	}
	stored := assertStoreAgrees(t, q, path, ids)
	for _, id := range ids {
		assert.Equal(t, domain.StatusRunning, stored[id].Status)
		assert.Equal(t, uint32(1), stored[id].RunCount)
	}
}
