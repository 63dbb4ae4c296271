package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/twitter/netschedule/common/endpoints"
	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/server"
)

// QueueSummary is the /queues view of one queue.
type QueueSummary struct {
	Name          string            `json:"name"`
	RefuseSubmits bool              `json:"refuse_submits"`
	Jobs          map[string]uint64 `json:"jobs"`
	Active        uint64            `json:"active"`
}

// JobView is the /queue/<name>/job view of a job.
type JobView struct {
	ID          uint32      `json:"id"`
	Key         string      `json:"key"`
	Status      string      `json:"status"`
	Passport    uint32      `json:"passport"`
	RunCount    uint32      `json:"run_count"`
	ReadCount   uint32      `json:"read_count"`
	Affinity    string      `json:"affinity,omitempty"`
	GroupID     uint32      `json:"group_id,omitempty"`
	Mask        uint32      `json:"mask"`
	LastTouch   time.Time   `json:"last_touch"`
	Lifetime    time.Time   `json:"expiration"`
	ClientIP    string      `json:"client_ip,omitempty"`
	ClientSID   string      `json:"client_sid,omitempty"`
	Input       string      `json:"input"`
	Output      string      `json:"output"`
	ProgressMsg string      `json:"progress_msg,omitempty"`
	Events      []EventView `json:"events"`
}

type EventView struct {
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	NodeAddr   string    `json:"node_addr,omitempty"`
	ClientNode string    `json:"client_node,omitempty"`
	ClientSess string    `json:"client_session,omitempty"`
	RetCode    int32     `json:"ret_code"`
	ErrorMsg   string    `json:"err_msg,omitempty"`
}

// Handlers serves the queue admin views of a server.
type Handlers struct {
	srv   *server.Server
	feeds map[string]*endpoints.Feed
}

// Register adds /queues and /queue/<name>/... to ts and installs a feed
// as the status observer of every queue.
func Register(ts *endpoints.TwitterServer, srv *server.Server) *Handlers {
	h := &Handlers{
		srv:   srv,
		feeds: make(map[string]*endpoints.Feed),
	}
	for _, name := range srv.QueueNames() {
		q, _ := srv.Queue(name)
		feed := endpoints.NewFeed()
		h.feeds[name] = feed
		q.SetStatusObserver(func(c server.StatusChange) { feed.Publish(c) })
	}
	ts.HandleFunc("/queues", h.queues)
	ts.HandleFunc("/queue/", h.queue)
	return h
}

// Close disconnects every feed subscriber.
func (h *Handlers) Close() {
	for _, feed := range h.feeds {
		feed.Close()
	}
}

func (h *Handlers) queues(w http.ResponseWriter, r *http.Request) {
	var out []QueueSummary
	for _, name := range h.srv.QueueNames() {
		q, _ := h.srv.Queue(name)
		out = append(out, QueueSummary{
			Name:          name,
			RefuseSubmits: q.GetRefuseSubmits(),
			Jobs:          q.StatusCounts(),
			Active:        q.CountActiveJobs(),
		})
	}
	endpoints.WriteJSON(w, out)
}

// queue dispatches /queue/<name>/<view>.
func (h *Handlers) queue(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/queue/"), "/"), "/")
	if len(parts) != 2 {
		http.Error(w, "expected /queue/<name>/<view>", http.StatusBadRequest)
		return
	}
	q, ok := h.srv.Queue(parts[0])
	if !ok {
		http.Error(w, "no such queue: "+parts[0], http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "clients":
		endpoints.WriteJSON(w, q.ClientsSnapshot())
	case "notifications":
		endpoints.WriteJSON(w, q.NotificationsSnapshot())
	case "affinities":
		endpoints.WriteJSON(w, q.AffinitiesSnapshot())
	case "groups":
		endpoints.WriteJSON(w, q.GroupsSnapshot())
	case "job":
		h.job(w, r, q)
	case "dump":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		q.DebugDump(w)
	case "feed":
		h.feeds[q.Name()].ServeHTTP(w, r)
	default:
		http.Error(w, "unknown view: "+parts[1], http.StatusNotFound)
	}
}

// job looks the job up by ?id= or ?key=.
func (h *Handlers) job(w http.ResponseWriter, r *http.Request, q *server.Queue) {
	var id uint32
	if key := r.URL.Query().Get("key"); key != "" {
		parsed, err := domain.ParseJobKey(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id = parsed
	} else {
		parsed, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 32)
		if err != nil || parsed == 0 {
			http.Error(w, "expected ?id=<job id> or ?key=<job key>", http.StatusBadRequest)
			return
		}
		id = uint32(parsed)
	}

	job, err := q.DumpJob(id)
	if domain.IsCode(err, domain.JobNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, lifetime, _ := q.GetStatusAndLifetime(id, false)
	endpoints.WriteJSON(w, newJobView(q, job, lifetime))
}

func newJobView(q *server.Queue, job *domain.Job, lifetime time.Time) JobView {
	v := JobView{
		ID:          job.ID,
		Key:         q.JobKey(job.ID),
		Status:      job.Status.String(),
		Passport:    job.Passport,
		RunCount:    job.RunCount,
		ReadCount:   job.ReadCount,
		Affinity:    q.GetAffinityTokenByID(job.AffinityID),
		GroupID:     job.GroupID,
		Mask:        job.Mask,
		LastTouch:   job.LastTouch,
		Lifetime:    lifetime,
		ClientIP:    job.ClientIP,
		ClientSID:   job.ClientSID,
		Input:       job.Input,
		Output:      job.Output,
		ProgressMsg: job.ProgressMsg,
	}
	for _, ev := range job.Events {
		v.Events = append(v.Events, EventView{
			Event:      ev.Kind.String(),
			Status:     ev.Status.String(),
			Timestamp:  ev.Timestamp,
			NodeAddr:   ev.NodeAddr,
			ClientNode: ev.ClientNode,
			ClientSess: ev.ClientSession,
			RetCode:    ev.RetCode,
			ErrorMsg:   ev.ErrorMsg,
		})
	}
	return v
}
