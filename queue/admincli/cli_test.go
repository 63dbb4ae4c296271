package admincli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/netschedule/common/clock"
	"github.com/twitter/netschedule/common/endpoints"
	nserrors "github.com/twitter/netschedule/common/errors"
	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/api"
	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/server"
	"github.com/twitter/netschedule/queue/storage/stores"
)

type nopSender struct{}

func (nopSender) Send(string, uint16, []byte) error { return nil }

func newAdminServer(t *testing.T) (*server.Queue, *httptest.Server, func()) {
	clk := clock.NewFakeClock(time.Unix(1500000000, 0))
	q := server.NewQueue("q1", server.DefaultQueueParams(), stores.NewMemoryStore(), nopSender{},
		domain.KeyGenerator{Host: "ns", Port: 9100}, clk, stats.NilStatsReceiver())
	require.NoError(t, q.Load())
	srv, err := server.NewServer([]*server.Queue{q}, clk, stats.NilStatsReceiver())
	require.NoError(t, err)

	tw := endpoints.NewTwitterServer("", stats.NilStatsReceiver())
	h := api.Register(tw, srv)
	ts := httptest.NewServer(tw.Handler())
	return q, ts, func() {
		h.Close()
		ts.Close()
	}
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	var out bytes.Buffer
	c := NewAdminCLIClient(http.DefaultClient, &out)
	c.RootCmd.SetArgs(append([]string{"--addr", addr}, args...))
	err := c.Exec()
	return out.String(), err
}

func Test_AdminCLI_Health(t *testing.T) {
	_, ts, done := newAdminServer(t)
	defer done()

	out, err := run(t, ts.URL, "health")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
}

func Test_AdminCLI_QueuesAndJob(t *testing.T) {
	q, ts, done := newAdminServer(t)
	defer done()
	submitter := &domain.ClientID{Address: "10.0.0.1", Node: "sub", Session: "s"}
	id, err := q.Submit(submitter, domain.JobRequest{Input: "echo hi"}, "aff", "grp")
	require.NoError(t, err)

	out, err := run(t, ts.URL, "queues")
	require.NoError(t, err)
	assert.Contains(t, out, "q1")
	assert.Contains(t, out, "Pending=1")

	out, err = run(t, ts.URL, "job", "q1", "--key", q.JobKey(id))
	require.NoError(t, err)
	assert.Contains(t, out, "Pending")
	assert.Contains(t, out, `"echo hi"`)
	assert.Contains(t, out, "Submit")

	out, err = run(t, ts.URL, "groups", "q1")
	require.NoError(t, err)
	assert.Contains(t, out, `"token": "grp"`)
}

func Test_AdminCLI_Failures(t *testing.T) {
	_, ts, done := newAdminServer(t)
	defer done()

	_, err := run(t, ts.URL, "clients", "nope")
	require.Error(t, err)
	assert.Equal(t, nserrors.AdminBadResponseExitCode, nserrors.ExitCodeOf(err))

	_, err = run(t, ts.URL, "job", "q1")
	require.Error(t, err)
	assert.Equal(t, nserrors.GenericFailureExitCode, nserrors.ExitCodeOf(err))

	ts.Close()
	_, err = run(t, ts.URL, "health")
	require.Error(t, err)
	assert.Equal(t, nserrors.AdminRequestFailureExitCode, nserrors.ExitCodeOf(err))
}

func Test_FormatCounts(t *testing.T) {
	assert.Equal(t, "-", formatCounts(map[string]uint64{"Done": 0}))
	assert.Equal(t, "Done=2 Pending=1", formatCounts(map[string]uint64{"Pending": 1, "Done": 2, "Failed": 0}))
}
