package starter

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/netschedule/common/clock"
	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/config"
	"github.com/twitter/netschedule/queue/domain"
)

type nopSender struct{}

func (nopSender) Send(string, uint16, []byte) error { return nil }

func Test_NewStore_UnknownType(t *testing.T) {
	_, err := NewStore(config.StoreConfig{Type: "tape"}, "q")
	assert.Error(t, err)
}

func Test_NewService_Memory(t *testing.T) {
	cfg, err := config.Get("local.memory")
	require.NoError(t, err)

	svc, err := NewService(cfg, nopSender{}, clock.NewFakeClock(time.Unix(1000, 0)), stats.NilStatsReceiver())
	require.NoError(t, err)
	defer svc.Close()

	assert.Equal(t, []string{"batch", "test"}, svc.Server.QueueNames())
	q, ok := svc.Server.Queue("test")
	require.True(t, ok)
	assert.Equal(t, uint32(3), q.GetParameters().FailedRetries)
	assert.Equal(t, "JSID_01_5_localhost_9100", q.JobKey(5))
}

func Test_NewService_SQLiteSurvivesRestart(t *testing.T) {
	dir, err := ioutil.TempDir("", "nsstarter")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg, err := config.Get("local.sqlite")
	require.NoError(t, err)
	cfg.Store.Directory = dir
	clk := clock.NewFakeClock(time.Unix(1000, 0))

	svc, err := NewService(cfg, nopSender{}, clk, stats.NilStatsReceiver())
	require.NoError(t, err)
	q, _ := svc.Server.Queue("test")
	submitter := &domain.ClientID{Address: "10.0.0.1", Node: "sub", Session: "s"}
	id, err := q.Submit(submitter, domain.JobRequest{Input: "x"}, "aff", "")
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	svc, err = NewService(cfg, nopSender{}, clk, stats.NilStatsReceiver())
	require.NoError(t, err)
	defer svc.Close()
	q, _ = svc.Server.Queue("test")
	assert.Equal(t, domain.StatusPending, q.GetJobStatus(id))
	assert.Equal(t, "aff=1", q.GetAffinityList())
}

func Test_NewService_InvalidConfig(t *testing.T) {
	cfg := &config.ServerConfig{Host: "ns", Store: config.StoreConfig{Type: "memory"}}
	_, err := NewService(cfg, nopSender{}, clock.New(), stats.NilStatsReceiver())
	assert.Error(t, err)
}
