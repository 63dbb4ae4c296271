package server

import (
	"runtime/debug"
	"sort"
	"sync"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/twitter/netschedule/common/clock"
	"github.com/twitter/netschedule/common/stats"
)

// DefaultStatsInterval is how often queue gauges are refreshed.
const DefaultStatsInterval = time.Second

// Server owns a set of named queues and runs their background loops:
// the execution watcher, the purge loop and the notification loop, plus
// one statistics loop for all of them.
type Server struct {
	id     string
	queues map[string]*Queue
	clock  clock.Clock
	stat   stats.StatsReceiver

	StatsInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    sync.WaitGroup
	running bool
}

func NewServer(queues []*Queue, clk clock.Clock, stat stats.StatsReceiver) (*Server, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "generating server instance id")
	}
	s := &Server{
		id:            id.String(),
		queues:        make(map[string]*Queue, len(queues)),
		clock:         clk,
		stat:          stat,
		StatsInterval: DefaultStatsInterval,
	}
	for _, q := range queues {
		if _, ok := s.queues[q.Name()]; ok {
			return nil, errors.Errorf("duplicate queue %q", q.Name())
		}
		s.queues[q.Name()] = q
	}
	stat.Gauge(stats.NSQueuesGauge).Update(int64(len(queues)))
	return s, nil
}

// ID is unique per server process.
func (s *Server) ID() string {
	return s.id
}

func (s *Server) Queue(name string) (*Queue, bool) {
	q, ok := s.queues[name]
	return q, ok
}

// QueueNames returns the queue names in sorted order.
func (s *Server) QueueNames() []string {
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches the background loops. Starting a running server does
// nothing.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, name := range s.QueueNames() {
		q := s.queues[name]
		s.spawn(ctx, "execution watcher", q.Name(), func() time.Duration {
			q.CheckExecutionTimeout(s.clock.Now())
			return q.GetParameters().RunTimeoutPrecision
		})
		s.spawn(ctx, "purge", q.Name(), func() time.Duration {
			q.Purge(s.clock.Now())
			return q.GetParameters().PurgeTimeout
		})
		s.done.Add(1)
		go s.notifyLoop(ctx, q)
	}
	s.spawn(ctx, "statistics", "", func() time.Duration {
		for _, q := range s.queues {
			q.RefreshStatistics()
		}
		return s.StatsInterval
	})
	log.WithFields(
		log.Fields{
			"id":     s.id,
			"queues": s.QueueNames(),
		}).Info("Server started")
}

// Stop cancels the loops and waits for them to return.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.done.Wait()
	log.WithFields(
		log.Fields{
			"id": s.id,
		}).Info("Server stopped")
}

// spawn runs step until ctx is done, sleeping for the duration step
// returns between calls.
func (s *Server) spawn(ctx context.Context, loop, queue string, step func() time.Duration) {
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		for {
			wait := s.iterate(loop, queue, step)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(wait):
			}
		}
	}()
}

// iterate runs one step, recovering from panics so the loop survives a
// bad iteration.
func (s *Server) iterate(loop, queue string, step func() time.Duration) (wait time.Duration) {
	wait = time.Second
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(
				log.Fields{
					"loop":  loop,
					"queue": queue,
					"err":   r,
					"stack": string(debug.Stack()),
				}).Error("Background loop iteration failed")
		}
	}()
	if d := step(); d > 0 {
		wait = d
	}
	return wait
}

// notifyLoop reminds listeners every NotifHifreqInterval and comes back
// earlier when a scheduled notification is due sooner.
func (s *Server) notifyLoop(ctx context.Context, q *Queue) {
	defer s.done.Done()
	var lastPeriodic time.Time
	for {
		wait := s.iterate("notifications", q.Name(), func() time.Duration {
			now := s.clock.Now()
			interval := q.GetParameters().NotifHifreqInterval
			if now.Sub(lastPeriodic) >= interval {
				q.NotifyListenersPeriodically(now)
				lastPeriodic = now
			}
			wait := lastPeriodic.Add(interval).Sub(now)
			if next := q.NotifyExactListeners(now); !next.IsZero() && next.Sub(now) < wait {
				wait = next.Sub(now)
			}
			return wait
		})
		select {
		case <-ctx.Done():
			return
		case <-q.Wakeup():
		case <-s.clock.After(wait):
		}
	}
}
