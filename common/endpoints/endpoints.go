package endpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/common/stats"
)

// NewTwitterServer creates the admin HTTP server. The common paths are
// registered right away; callers add their own with Handle.
func NewTwitterServer(addr string, stat stats.StatsReceiver) *TwitterServer {
	s := &TwitterServer{
		Addr:  addr,
		Stats: stat,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("/", s.helpHandler)
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	return s
}

type TwitterServer struct {
	Addr  string
	Stats stats.StatsReceiver

	mux *http.ServeMux

	mu    sync.Mutex
	paths []string
	srv   *http.Server
}

// Handle registers h under pattern and lists it on the help page.
func (s *TwitterServer) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	s.paths = append(s.paths, pattern)
	s.mu.Unlock()
	s.mux.Handle(pattern, s.counted(pattern, h))
}

func (s *TwitterServer) HandleFunc(pattern string, f func(http.ResponseWriter, *http.Request)) {
	s.Handle(pattern, http.HandlerFunc(f))
}

// Handler serves every registered path.
func (s *TwitterServer) Handler() http.Handler {
	return s.mux
}

func (s *TwitterServer) Serve() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// ServeListener serves on ln until Close is called.
func (s *TwitterServer) ServeListener(ln net.Listener) error {
	srv := &http.Server{Handler: s.mux, ReadTimeout: 30 * time.Second}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	log.Infof("Serving http & stats on %s", ln.Addr())
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *TwitterServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *TwitterServer) counted(name string, h http.Handler) http.Handler {
	counter := s.Stats.Counter(stats.NSAdminRequestCounter, name)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Inc(1)
		h.ServeHTTP(w, r)
	})
}

func (s *TwitterServer) helpHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	paths := append([]string{"/health", "/admin/metrics.json"}, s.paths...)
	s.mu.Unlock()
	fmt.Fprintf(w, "Common paths: %q\n", paths)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *TwitterServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}

// WriteJSON renders v as the response body.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.WithFields(
			log.Fields{
				"err": err,
			}).Info("Failed to write admin response")
	}
}

// MakeStatsReceiver returns a latched finagle style receiver scoped to
// scope, and the func that stops its latching.
func MakeStatsReceiver(scope string) (stats.StatsReceiver, func()) {
	s, stop := stats.NewCustomStatsReceiver(
		stats.NewFinagleStatsRegistry,
		15*time.Second)
	return s.Scope(scope).Precision(time.Millisecond), stop
}
