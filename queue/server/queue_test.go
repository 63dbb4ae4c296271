package server

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/netschedule/common/clock"
	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/storage"
	"github.com/twitter/netschedule/queue/storage/stores"
)

type packet struct {
	addr    string
	port    uint16
	payload string
}

// recordingSender keeps every packet the queue sends.
type recordingSender struct {
	mu      sync.Mutex
	packets []packet
}

func (s *recordingSender) Send(addr string, port uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, packet{addr, port, string(payload)})
	return nil
}

func (s *recordingSender) sent() []packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]packet(nil), s.packets...)
}

type queueFixture struct {
	q      *Queue
	store  storage.Store
	clock  *clock.FakeClock
	sender *recordingSender
	params QueueParams
}

var testKeys = domain.KeyGenerator{Host: "nshost", Port: 9100}

func newQueueFixture(t *testing.T, tweak func(*QueueParams)) *queueFixture {
	p := DefaultQueueParams()
	if tweak != nil {
		tweak(&p)
	}
	f := &queueFixture{
		store:  stores.NewMemoryStore(),
		clock:  clock.NewFakeClock(time.Unix(1500000000, 0)),
		sender: &recordingSender{},
		params: p,
	}
	f.q = NewQueue("q1", p, f.store, f.sender, testKeys, f.clock, stats.NilStatsReceiver())
	require.NoError(t, f.q.Load())
	return f
}

// reopen builds a second queue over the same store, as a restart would.
func (f *queueFixture) reopen(t *testing.T) *Queue {
	q := NewQueue("q1", f.params, f.store, f.sender, testKeys, f.clock, stats.NilStatsReceiver())
	require.NoError(t, q.Load())
	return q
}

func submitter() *domain.ClientID {
	return &domain.ClientID{Address: "10.2.2.2", Node: "submitter", Session: "s"}
}

func (f *queueFixture) submit(t *testing.T, input, aff, group string) uint32 {
	id, err := f.q.Submit(submitter(), domain.JobRequest{Input: input}, aff, group)
	require.NoError(t, err)
	return id
}

func anyJob() GetRequest {
	return GetRequest{AnyAffinity: true}
}

func Test_Queue_SubmitGetPutReadConfirm(t *testing.T) {
	f := newQueueFixture(t, nil)
	id := f.submit(t, "echo hello", "", "")
	assert.Equal(t, uint32(1), id)
	assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(id))

	w := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, uint32(1), job.RunCount)
	assert.Equal(t, "echo hello", job.Input)
	assert.Equal(t, domain.StatusRunning, f.q.GetJobStatus(id))

	old, err := f.q.PutResult(w, id, job.AuthToken(), 0, "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, old)
	warning, err := domain.PutOutcome(old)
	assert.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, domain.StatusDone, f.q.GetJobStatus(id))

	// a second PUT is accepted with a warning
	old, err = f.q.PutResult(w, id, job.AuthToken(), 0, "hello")
	require.NoError(t, err)
	warning, _ = domain.PutOutcome(old)
	assert.Equal(t, "Already done", warning)

	reader := worker("r1", "s1")
	read, err := f.q.GetJobForReading(reader, 0, "")
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, "hello", read.Output)
	assert.Equal(t, domain.StatusReading, f.q.GetJobStatus(id))

	old, err = f.q.ConfirmReadingJob(reader, id, read.AuthToken())
	require.NoError(t, err)
	assert.NoError(t, domain.ReadOutcome("CFRM", old))
	assert.Equal(t, domain.StatusConfirmed, f.q.GetJobStatus(id))

	dump, err := f.q.DumpJob(id)
	require.NoError(t, err)
	var kinds []domain.EventKind
	for _, ev := range dump.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []domain.EventKind{
		domain.EventSubmit, domain.EventRequest, domain.EventDone, domain.EventRead, domain.EventReadDone,
	}, kinds)
}

func Test_Queue_BatchGetsContiguousIDs(t *testing.T) {
	f := newQueueFixture(t, nil)
	before := f.submit(t, "single", "", "")

	batch := []domain.BatchJob{{Input: "a"}, {Input: "b", Affinity: "x"}, {Input: "c"}}
	first, err := f.q.SubmitBatch(submitter(), batch, "g1")
	require.NoError(t, err)
	assert.Equal(t, before+1, first)
	for i := uint32(0); i < 3; i++ {
		assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(first+i))
	}

	groups := f.q.GroupsSnapshot()
	require.Len(t, groups, 1)
	assert.Equal(t, "g1", groups[0].Token)
	assert.Equal(t, []uint32{first, first + 1, first + 2}, groups[0].Jobs)

	job, err := f.q.DumpJob(first + 1)
	require.NoError(t, err)
	assert.Equal(t, "x", f.q.GetAffinityTokenByID(job.AffinityID))

	_, err = f.q.SubmitBatch(submitter(), nil, "")
	assert.True(t, domain.IsCode(err, domain.InvalidParameter))

	assert.Equal(t, first+3, f.submit(t, "after", "", ""))
}

func Test_Queue_SubmitChecks(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) { p.MaxInputSize = 4 })

	_, err := f.q.Submit(submitter(), domain.JobRequest{Input: "too long"}, "", "")
	assert.True(t, domain.IsCode(err, domain.DataTooLong))

	f.q.SetRefuseSubmits(true)
	_, err = f.q.Submit(submitter(), domain.JobRequest{Input: "ok"}, "", "")
	assert.True(t, domain.IsCode(err, domain.SubmitsDisabled))
	assert.True(t, f.q.IsEmpty())
}

func Test_Queue_FailJobRetriesThenFails(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) { p.FailedRetries = 1 })
	id := f.submit(t, "flaky", "", "")

	w1 := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w1, anyJob())
	require.NoError(t, err)
	old, warning, err := f.q.FailJob(w1, id, job.AuthToken(), "exit 1", "", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, old)
	assert.Empty(t, warning)
	assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(id))

	// blacklisted for the worker that failed it
	job, err = f.q.GetJobOrWait(w1, anyJob())
	require.NoError(t, err)
	assert.Nil(t, job)

	w2 := worker("w2", "s1")
	job, err = f.q.GetJobOrWait(w2, anyJob())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uint32(2), job.RunCount)

	_, _, err = f.q.FailJob(w2, id, job.AuthToken(), "exit 1", "", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, f.q.GetJobStatus(id))

	old, _, err = f.q.FailJob(w2, id, job.AuthToken(), "exit 1", "", 1)
	require.NoError(t, err)
	warning, err = domain.FailOutcome(old)
	assert.NoError(t, err)
	assert.Equal(t, "Already failed", warning)

	dump, err := f.q.DumpJob(id)
	require.NoError(t, err)
	assert.Equal(t, "exit 1", dump.ErrorMsg())
	assert.Equal(t, int32(1), dump.RetCode())
}

func Test_Queue_ReturnJobBlacklists(t *testing.T) {
	f := newQueueFixture(t, nil)
	id := f.submit(t, "x", "", "")

	w1 := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w1, anyJob())
	require.NoError(t, err)
	old, _, err := f.q.ReturnJob(w1, id, job.AuthToken())
	require.NoError(t, err)
	assert.NoError(t, domain.ReturnOutcome(old))
	assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(id))

	job, err = f.q.GetJobOrWait(w1, anyJob())
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = f.q.GetJobOrWait(worker("w2", "s1"), anyJob())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uint32(1), job.RunCount, "a returned run is not counted")
}

func Test_Queue_AuthTokens(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) { p.FailedRetries = 5 })
	id := f.submit(t, "x", "", "")
	w := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)

	stale := fmt.Sprintf("%d_1", job.Passport)
	old, warning, err := f.q.FailJob(w, id, stale, "late", "", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, old)
	assert.Equal(t, "Only job passport matched. Command is ignored.", warning)
	assert.Equal(t, domain.StatusRunning, f.q.GetJobStatus(id))

	_, _, err = f.q.ReturnJob(w, id, "1_2")
	assert.True(t, domain.IsCode(err, domain.InvalidAuthToken))

	// PUT accepts a passport only match
	_, err = f.q.PutResult(w, id, stale, 0, "out")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, f.q.GetJobStatus(id))

	r := worker("r1", "s1")
	read, err := f.q.GetJobForReading(r, 0, "")
	require.NoError(t, err)
	_, err = f.q.ConfirmReadingJob(r, id, fmt.Sprintf("%d_1", read.Passport))
	assert.True(t, domain.IsCode(err, domain.InvalidAuthToken))
}

func Test_Queue_SessionChangeReleasesJobs(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) { p.FailedRetries = 3 })
	id := f.submit(t, "x", "", "")
	_, err := f.q.GetJobOrWait(worker("w1", "s1"), anyJob())
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	f.q.CancelWaitGet(worker("w1", "s2"))
	assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(id))

	dump, err := f.q.DumpJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.EventSessionChanged, dump.LastEvent().Kind)

	clients := f.q.ClientsSnapshot()
	require.Len(t, clients, 2)
	assert.Equal(t, "w1", clients[1].Node)
	assert.Empty(t, clients[1].Running)
}

func Test_Queue_SessionChangeFailsJobPastRetries(t *testing.T) {
	f := newQueueFixture(t, nil)
	id := f.submit(t, "x", "", "")
	_, err := f.q.GetJobOrWait(worker("w1", "s1"), anyJob())
	require.NoError(t, err)

	f.q.CancelWaitGet(worker("w1", "s2"))
	assert.Equal(t, domain.StatusFailed, f.q.GetJobStatus(id))
}

func Test_Queue_ExecutionTimeout(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) {
		p.RunTimeout = 10 * time.Second
		p.FailedRetries = 3
	})
	id := f.submit(t, "x", "", "")
	w := worker("w1", "s1")
	_, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 0, f.q.CheckExecutionTimeout(f.clock.Now()))

	f.clock.Advance(6 * time.Second)
	assert.Equal(t, 1, f.q.CheckExecutionTimeout(f.clock.Now()))
	assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(id))

	dump, err := f.q.DumpJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.EventTimeout, dump.LastEvent().Kind)

	job, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)
	assert.Nil(t, job, "the job is blacklisted for the worker that timed out")
}

func Test_Queue_TouchDoesNotExtendRun(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) {
		p.RunTimeout = time.Hour
		p.FailedRetries = 3
	})
	id := f.submit(t, "x", "", "")
	_, err := f.q.GetJobOrWait(worker("w1", "s1"), anyJob())
	require.NoError(t, err)
	_, deadline, err := f.q.GetStatusAndLifetime(id, false)
	require.NoError(t, err)

	f.clock.Advance(50 * time.Minute)
	status, lifetime, err := f.q.GetStatusAndLifetime(id, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status)
	assert.Equal(t, deadline, lifetime)

	f.clock.Advance(15 * time.Minute)
	assert.Equal(t, 1, f.q.CheckExecutionTimeout(f.clock.Now()))
	assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(id))
}

func Test_Queue_RunTimeoutDoesNotLeakIntoRead(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) {
		p.RunTimeout = 10 * time.Second
		p.FailedRetries = 3
	})
	id := f.submit(t, "x", "", "")
	w := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)
	_, err = f.q.JobDelayExpiration(w, id, time.Hour)
	require.NoError(t, err)
	_, err = f.q.PutResult(w, id, job.AuthToken(), 0, "out")
	require.NoError(t, err)

	dump, err := f.q.DumpJob(id)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), dump.RunTimeout)

	reader := worker("r1", "s1")
	read, err := f.q.GetJobForReading(reader, 0, "")
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, time.Duration(0), read.RunTimeout)

	f.clock.Advance(11 * time.Second)
	assert.Equal(t, 1, f.q.CheckExecutionTimeout(f.clock.Now()))
	assert.Equal(t, domain.StatusDone, f.q.GetJobStatus(id))

	read, err = f.q.GetJobForReading(worker("r2", "s1"), time.Minute, "")
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, time.Minute, read.RunTimeout)
	_, err = f.q.ConfirmReadingJob(worker("r2", "s1"), id, read.AuthToken())
	require.NoError(t, err)
}

func Test_Queue_DelayExpirationExtendsRun(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) {
		p.RunTimeout = 10 * time.Second
		p.FailedRetries = 3
	})
	id := f.submit(t, "x", "", "")
	w := worker("w1", "s1")
	_, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	old, err := f.q.JobDelayExpiration(w, id, time.Minute)
	require.NoError(t, err)
	assert.NoError(t, domain.DelayExpirationOutcome(old))

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, 0, f.q.CheckExecutionTimeout(f.clock.Now()))
	_, lifetime, err := f.q.GetStatusAndLifetime(id, false)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1500000000, 0).Add(65*time.Second), lifetime)

	_, err = f.q.JobDelayExpiration(w, id, 0)
	assert.True(t, domain.IsCode(err, domain.InvalidParameter))
}

func Test_Queue_ExpiredJobsArePurged(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) { p.Timeout = time.Minute })
	canceled := f.submit(t, "a", "aff", "grp")
	pending := f.submit(t, "b", "", "")
	old, err := f.q.Cancel(submitter(), canceled)
	require.NoError(t, err)
	assert.Equal(t, "", domain.CancelOutcome(old))

	assert.Equal(t, 0, f.q.CheckJobsExpiry(f.clock.Now(), 100, 100))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, f.q.CheckJobsExpiry(f.clock.Now(), 100, 100))
	assert.Equal(t, domain.StatusNotFound, f.q.GetJobStatus(canceled))
	assert.Equal(t, domain.StatusNotFound, f.q.GetJobStatus(pending))
	assert.Empty(t, f.q.AffinitiesSnapshot())
	assert.Empty(t, f.q.GroupsSnapshot())

	deleted, err := f.q.DeleteBatch(100)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	_, err = f.store.FetchJob(canceled)
	assert.Equal(t, storage.ErrNotFound, err)

	affs, err := f.store.LoadAffinities()
	require.NoError(t, err)
	assert.Empty(t, affs)
	assert.True(t, f.q.IsEmpty())
}

func Test_Queue_ReloadRestoresState(t *testing.T) {
	f := newQueueFixture(t, nil)
	done := f.submit(t, "a", "", "")
	canceled := f.submit(t, "b", "", "")
	pending := f.submit(t, "c", "aff", "grp")

	w := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)
	_, err = f.q.PutResult(w, done, job.AuthToken(), 0, "out")
	require.NoError(t, err)
	_, err = f.q.Cancel(submitter(), canceled)
	require.NoError(t, err)

	q2 := f.reopen(t)
	assert.Equal(t, domain.StatusDone, q2.GetJobStatus(done))
	assert.Equal(t, domain.StatusCanceled, q2.GetJobStatus(canceled))
	assert.Equal(t, domain.StatusPending, q2.GetJobStatus(pending))
	assert.Equal(t, "aff=1", q2.GetAffinityList())

	read, err := q2.GetJobForReading(worker("r1", "s1"), 0, "")
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, "out", read.Output)

	picked, err := q2.GetJobOrWait(w, GetRequest{Affinities: []string{"aff"}})
	require.NoError(t, err)
	require.NotNil(t, picked)
	assert.Equal(t, pending, picked.ID)

	// ids continue past everything the previous run may have handed out
	id, err := q2.Submit(submitter(), domain.JobRequest{Input: "d"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, uint32(IDAllocationStep+2), id)
}

func Test_Queue_AffinityRequests(t *testing.T) {
	f := newQueueFixture(t, nil)
	a := f.submit(t, "a", "red", "")
	b := f.submit(t, "b", "blue", "")
	plain := f.submit(t, "c", "", "")

	w := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w, GetRequest{Affinities: []string{"blue"}})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, b, job.ID)

	job, err = f.q.GetJobOrWait(w, GetRequest{Affinities: []string{"blue"}})
	require.NoError(t, err)
	assert.Nil(t, job)

	// a request with nothing to match never gets a job
	job, err = f.q.GetJobOrWait(w, GetRequest{})
	require.NoError(t, err)
	assert.Nil(t, job)

	warning, err := f.q.ChangeAffinity(w, []string{"red"}, []string{"ghost"})
	require.NoError(t, err)
	assert.Contains(t, warning, "ghost")
	job, err = f.q.GetJobOrWait(w, GetRequest{WnodeAffinity: true})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, a, job.ID)

	job, err = f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, plain, job.ID)

	_, err = f.q.GetJobOrWait(w, GetRequest{AnyAffinity: true, ExclusiveNewAffinity: true})
	assert.True(t, domain.IsCode(err, domain.InvalidParameter))

	_, err = f.q.ChangeAffinity(&domain.ClientID{Address: "1.1.1.1"}, []string{"red"}, nil)
	assert.True(t, domain.IsCode(err, domain.InvalidParameter))
}

func Test_Queue_ExclusiveNewAffinity(t *testing.T) {
	f := newQueueFixture(t, nil)
	first := f.submit(t, "a", "red", "")
	second := f.submit(t, "b", "red", "")
	other := f.submit(t, "c", "green", "")

	w1 := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w1, GetRequest{ExclusiveNewAffinity: true})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)

	// red now belongs to w1
	w2 := worker("w2", "s1")
	job, err = f.q.GetJobOrWait(w2, GetRequest{ExclusiveNewAffinity: true})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, other, job.ID)

	job, err = f.q.GetJobOrWait(w1, GetRequest{WnodeAffinity: true})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second, job.ID)
}

func Test_Queue_PreferredAffinitiesResetForIdleWorker(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) { p.WnodeTimeout = time.Minute })
	w := worker("w1", "s1")
	require.NoError(t, f.q.SetAffinity(w, []string{"red"}))

	f.clock.Advance(2 * time.Minute)
	reset, _ := f.q.PurgeWNodes(f.clock.Now())
	assert.Equal(t, 1, reset)

	_, err := f.q.GetJobOrWait(w, GetRequest{WnodeAffinity: true})
	assert.True(t, domain.IsCode(err, domain.PrefAffExpired))

	require.NoError(t, f.q.SetAffinity(w, []string{"red"}))
	_, err = f.q.GetJobOrWait(w, GetRequest{WnodeAffinity: true})
	assert.NoError(t, err)
}

func Test_Queue_WaitingWorkerIsNotified(t *testing.T) {
	f := newQueueFixture(t, nil)
	w := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w, GetRequest{AnyAffinity: true, Port: 9300, Timeout: time.Minute, NewFormat: true})
	require.NoError(t, err)
	assert.Nil(t, job)
	require.Len(t, f.q.NotificationsSnapshot(), 1)

	f.submit(t, "x", "", "")
	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, packet{"10.1.1.1", 9300, "ns_node=nshost&queue=q1"}, sent[0])

	assert.True(t, f.q.CancelWaitGet(w))
	assert.Empty(t, f.q.NotificationsSnapshot())
}

func Test_Queue_JobListenerAndSubmitterNotifications(t *testing.T) {
	f := newQueueFixture(t, nil)
	sub := submitter()
	id, err := f.q.Submit(sub, domain.JobRequest{
		Input:            "x",
		SubmNotifPort:    9400,
		SubmNotifTimeout: time.Minute,
		ClientIP:         "10.2.2.2",
	}, "", "")
	require.NoError(t, err)

	listenerClient := &domain.ClientID{Address: "10.3.3.3"}
	idx, err := f.q.SetJobListener(listenerClient, id, 9500, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	w := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)
	_, err = f.q.PutResult(w, id, job.AuthToken(), 0, "")
	require.NoError(t, err)

	key := testKeys.Key(id)
	var listener, submitterPkts []string
	for _, p := range f.sender.sent() {
		switch p.port {
		case 9500:
			listener = append(listener, p.payload)
		case 9400:
			submitterPkts = append(submitterPkts, p.payload)
		}
	}
	assert.Equal(t, []string{
		"ns_node=nshost&job_key=" + key + "&job_status=Running&last_event_index=1",
		"ns_node=nshost&job_key=" + key + "&job_status=Done&last_event_index=2",
	}, listener)
	require.Len(t, submitterPkts, 1)
	assert.True(t, strings.Contains(submitterPkts[0], "job_status=Done"))

	_, err = f.q.SetJobListener(listenerClient, 999, 9500, time.Minute)
	assert.True(t, domain.IsCode(err, domain.JobNotFound))
}

func Test_Queue_Rollbacks(t *testing.T) {
	f := newQueueFixture(t, nil)
	id := f.submit(t, "x", "", "")
	w := worker("w1", "s1")
	_, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)

	old, err := f.q.RollbackGet(w, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, old)
	assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(id))

	// not blacklisted and the run is not counted
	job, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uint32(1), job.RunCount)

	_, err = f.q.PutResult(w, id, job.AuthToken(), 0, "")
	require.NoError(t, err)
	r := worker("r1", "s1")
	_, err = f.q.GetJobForReading(r, 0, "")
	require.NoError(t, err)
	old, err = f.q.RollbackRead(r, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReading, old)
	assert.Equal(t, domain.StatusDone, f.q.GetJobStatus(id))

	other := f.submit(t, "y", "", "")
	old, err = f.q.RollbackSubmit(submitter(), other)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, old)
	assert.Equal(t, domain.StatusCanceled, f.q.GetJobStatus(other))

	old, err = f.q.RollbackGet(w, other)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, old)
}

func Test_Queue_ReadFailures(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) { p.FailedRetries = 1 })
	id := f.submit(t, "x", "", "grp")
	w := worker("w1", "s1")
	job, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)
	_, err = f.q.PutResult(w, id, job.AuthToken(), 0, "")
	require.NoError(t, err)

	_, err = f.q.GetJobForReading(worker("r1", "s1"), 0, "nosuchgroup")
	assert.True(t, domain.IsCode(err, domain.GroupNotFound))

	r1 := worker("r1", "s1")
	read, err := f.q.GetJobForReading(r1, 0, "grp")
	require.NoError(t, err)
	require.NotNil(t, read)
	_, err = f.q.FailReadingJob(r1, id, read.AuthToken(), "corrupt")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, f.q.GetJobStatus(id))

	read, err = f.q.GetJobForReading(r1, 0, "grp")
	require.NoError(t, err)
	assert.Nil(t, read, "blacklisted for the reader that failed it")

	r2 := worker("r2", "s1")
	read, err = f.q.GetJobForReading(r2, 0, "")
	require.NoError(t, err)
	require.NotNil(t, read)
	_, err = f.q.FailReadingJob(r2, id, read.AuthToken(), "corrupt")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReadFailed, f.q.GetJobStatus(id))
}

func Test_Queue_CancelGroupAndAll(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.submit(t, "a", "", "g")
	f.submit(t, "b", "", "g")
	solo := f.submit(t, "c", "", "")

	_, err := f.q.CancelGroup(submitter(), "missing")
	assert.True(t, domain.IsCode(err, domain.GroupNotFound))

	n, err := f.q.CancelGroup(submitter(), "g")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(solo))

	n, err = f.q.CancelAllJobs(submitter())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(3), f.q.CountStatus(domain.StatusCanceled))

	old, err := f.q.Cancel(submitter(), solo)
	require.NoError(t, err)
	assert.Equal(t, "Already canceled", domain.CancelOutcome(old))
}

func Test_Queue_ClearWorkerNode(t *testing.T) {
	f := newQueueFixture(t, func(p *QueueParams) { p.FailedRetries = 3 })
	id := f.submit(t, "x", "", "")
	w := worker("w1", "s1")
	_, err := f.q.GetJobOrWait(w, anyJob())
	require.NoError(t, err)

	require.NoError(t, f.q.ClearWorkerNode(w))
	assert.Equal(t, domain.StatusPending, f.q.GetJobStatus(id))
	dump, err := f.q.DumpJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.EventClear, dump.LastEvent().Kind)
}

func Test_Queue_ProgressAndTouch(t *testing.T) {
	f := newQueueFixture(t, nil)
	id := f.submit(t, "x", "", "")
	require.NoError(t, f.q.PutProgressMessage(id, "50%"))

	f.clock.Advance(time.Minute)
	job, err := f.q.ReadAndTouchJob(id)
	require.NoError(t, err)
	assert.Equal(t, "50%", job.ProgressMsg)
	assert.Equal(t, f.clock.Now(), job.LastTouch)

	_, err = f.q.ReadAndTouchJob(42)
	assert.True(t, domain.IsCode(err, domain.JobNotFound))
	assert.True(t, domain.IsCode(f.q.PutProgressMessage(42, "x"), domain.JobNotFound))
}

func Test_Queue_TruncateKeepsIDsGrowing(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.submit(t, "a", "aff", "grp")
	f.submit(t, "b", "", "")

	require.NoError(t, f.q.Truncate())
	assert.True(t, f.q.IsEmpty())
	assert.Equal(t, "", f.q.GetAffinityList())

	id := f.submit(t, "c", "", "")
	assert.True(t, id > 2)

	q2 := f.reopen(t)
	assert.Equal(t, domain.StatusPending, q2.GetJobStatus(id))
	assert.Equal(t, domain.StatusNotFound, q2.GetJobStatus(1))
}

func Test_Queue_StatusObserver(t *testing.T) {
	f := newQueueFixture(t, nil)
	var changes []StatusChange
	f.q.SetStatusObserver(func(c StatusChange) { changes = append(changes, c) })

	id := f.submit(t, "x", "", "")
	_, err := f.q.Cancel(submitter(), id)
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.Equal(t, "NotFound", changes[0].FromName)
	assert.Equal(t, "Pending", changes[0].ToName)
	assert.Equal(t, "Submit", changes[0].Event)
	assert.Equal(t, domain.StatusCanceled, changes[1].To)
	assert.Equal(t, testKeys.Key(id), changes[1].JobKey)
}

func Test_Queue_DebugDump(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.submit(t, "x", "aff", "grp")
	var buf bytes.Buffer
	f.q.DebugDump(&buf)
	assert.Contains(t, buf.String(), "queue q1")
	assert.Contains(t, buf.String(), "aff")
}
