package endpoints_test

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/netschedule/common/endpoints"
	"github.com/twitter/netschedule/common/stats"
)

func get(t *testing.T, url string) (int, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func Test_TwitterServer_CommonPaths(t *testing.T) {
	stat := stats.DefaultStatsReceiver()
	stat.Counter("pings").Inc(3)
	s := endpoints.NewTwitterServer("", stat)
	s.HandleFunc("/custom", func(w http.ResponseWriter, r *http.Request) {
		endpoints.WriteJSON(w, map[string]int{"answer": 42})
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	code, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	_, body = get(t, ts.URL+"/admin/metrics.json")
	assert.Contains(t, body, "pings")

	_, body = get(t, ts.URL+"/")
	assert.Contains(t, body, "/custom")

	code, _ = get(t, ts.URL+"/nothing/here")
	assert.Equal(t, http.StatusNotFound, code)

	_, body = get(t, ts.URL+"/custom")
	assert.Contains(t, body, `"answer": 42`)
}

func Test_Feed_BroadcastsToSubscribers(t *testing.T) {
	feed := endpoints.NewFeed()
	ts := httptest.NewServer(feed)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for feed.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	feed.Publish(map[string]string{"job_key": "JSID_01_1_ns_9100", "to": "Done"})
	var msg map[string]string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "Done", msg["to"])

	feed.Close()
	assert.Equal(t, 0, feed.ClientCount())
}
