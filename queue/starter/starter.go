package starter

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/common/clock"
	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/config"
	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/server"
	"github.com/twitter/netschedule/queue/storage"
	"github.com/twitter/netschedule/queue/storage/stores"
)

// NewStore opens the store of one queue.
func NewStore(cfg config.StoreConfig, queue string) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return stores.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating store directory %s", cfg.Directory)
		}
		return stores.NewSQLiteStore(filepath.Join(cfg.Directory, queue+".db"), cfg.CacheSize)
	}
	return nil, fmt.Errorf("unsupported store type: %s.  No store created", cfg.Type)
}

// Service is a loaded server together with what it needs closed on
// shutdown.
type Service struct {
	Server *server.Server
	stores []storage.Store
}

// NewService builds and loads every configured queue. The background
// loops are not started.
func NewService(cfg *config.ServerConfig, sender server.Sender, clk clock.Clock, stat stats.StatsReceiver) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	svc := &Service{}
	keys := domain.KeyGenerator{Host: cfg.Host, Port: int(cfg.Port)}

	var queues []*server.Queue
	for _, qc := range cfg.Queues {
		params, err := qc.Params()
		if err != nil {
			svc.Close()
			return nil, err
		}
		store, err := NewStore(cfg.Store, qc.Name)
		if err != nil {
			svc.Close()
			return nil, errors.Wrapf(err, "queue %s", qc.Name)
		}
		svc.stores = append(svc.stores, store)

		q := server.NewQueue(qc.Name, params, store, sender, keys, clk, stat)
		q.SetRefuseSubmits(qc.RefuseSubmits)
		if err := q.Load(); err != nil {
			svc.Close()
			return nil, errors.Wrapf(err, "loading queue %s", qc.Name)
		}
		queues = append(queues, q)
		log.WithFields(
			log.Fields{
				"queue":  qc.Name,
				"store":  cfg.Store.Type,
				"params": qc.String(),
			}).Info("Queue configured")
	}

	srv, err := server.NewServer(queues, clk, stat)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Server = srv
	return svc, nil
}

// Close stops the server loops, if started, and closes the stores.
func (s *Service) Close() error {
	if s.Server != nil {
		s.Server.Stop()
	}
	var first error
	for _, store := range s.stores {
		if err := store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
