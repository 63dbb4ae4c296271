package api

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/netschedule/common/clock"
	"github.com/twitter/netschedule/common/endpoints"
	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/server"
	"github.com/twitter/netschedule/queue/storage/stores"
)

type nopSender struct{}

func (nopSender) Send(string, uint16, []byte) error { return nil }

type fixture struct {
	q  *server.Queue
	h  *Handlers
	ts *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	clk := clock.NewFakeClock(time.Unix(1500000000, 0))
	keys := domain.KeyGenerator{Host: "ns", Port: 9100}
	q := server.NewQueue("q1", server.DefaultQueueParams(), stores.NewMemoryStore(), nopSender{}, keys, clk, stats.NilStatsReceiver())
	require.NoError(t, q.Load())
	srv, err := server.NewServer([]*server.Queue{q}, clk, stats.NilStatsReceiver())
	require.NoError(t, err)

	tw := endpoints.NewTwitterServer("", stats.NilStatsReceiver())
	h := Register(tw, srv)
	return &fixture{q: q, h: h, ts: httptest.NewServer(tw.Handler())}
}

func (f *fixture) close() {
	f.h.Close()
	f.ts.Close()
}

func (f *fixture) get(t *testing.T, path string, v interface{}) int {
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(body, v), string(body))
	}
	return resp.StatusCode
}

func submitter() *domain.ClientID {
	return &domain.ClientID{Address: "10.0.0.1", Node: "sub", Session: "s"}
}

func Test_API_Queues(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	_, err := f.q.Submit(submitter(), domain.JobRequest{Input: "x"}, "a", "g")
	require.NoError(t, err)

	var queues []QueueSummary
	assert.Equal(t, http.StatusOK, f.get(t, "/queues", &queues))
	require.Len(t, queues, 1)
	assert.Equal(t, "q1", queues[0].Name)
	assert.Equal(t, uint64(1), queues[0].Jobs["Pending"])
	assert.Equal(t, uint64(1), queues[0].Active)

	var groups []server.GroupInfo
	assert.Equal(t, http.StatusOK, f.get(t, "/queue/q1/groups", &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "g", groups[0].Token)

	var clients []server.ClientInfo
	assert.Equal(t, http.StatusOK, f.get(t, "/queue/q1/clients", &clients))
	require.Len(t, clients, 1)
	assert.Equal(t, "sub", clients[0].Node)

	assert.Equal(t, http.StatusOK, f.get(t, "/queue/q1/affinities", nil))
	assert.Equal(t, http.StatusOK, f.get(t, "/queue/q1/notifications", nil))
	assert.Equal(t, http.StatusOK, f.get(t, "/queue/q1/dump", nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/queue/nope/clients", nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/queue/q1/nope", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/queue/q1", nil))
}

func Test_API_Job(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	id, err := f.q.Submit(submitter(), domain.JobRequest{Input: "echo"}, "a", "")
	require.NoError(t, err)

	var job JobView
	assert.Equal(t, http.StatusOK, f.get(t, "/queue/q1/job?key="+f.q.JobKey(id), &job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "Pending", job.Status)
	assert.Equal(t, "a", job.Affinity)
	assert.Equal(t, "echo", job.Input)
	require.Len(t, job.Events, 1)
	assert.Equal(t, "Submit", job.Events[0].Event)
	assert.Equal(t, "sub", job.Events[0].ClientNode)

	assert.Equal(t, http.StatusOK, f.get(t, "/queue/q1/job?id=1", nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/queue/q1/job?id=77", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/queue/q1/job", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/queue/q1/job?key=JSID_01_x", nil))
}

func Test_API_FeedStreamsStatusChanges(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/queue/q1/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for f.h.feeds["q1"].ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("feed subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	id, err := f.q.Submit(submitter(), domain.JobRequest{Input: "x"}, "", "")
	require.NoError(t, err)

	var change server.StatusChange
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&change))
	assert.Equal(t, "q1", change.Queue)
	assert.Equal(t, id, change.JobID)
	assert.Equal(t, "NotFound", change.FromName)
	assert.Equal(t, "Pending", change.ToName)
}
