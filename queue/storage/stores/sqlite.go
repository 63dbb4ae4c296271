package stores

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twitter/groupcache/lru"

	"github.com/twitter/netschedule/queue/domain"
	"github.com/twitter/netschedule/queue/storage"
)

const (
	DefaultCacheSize = 10000
	// start_counter holds a single row
	counterKey = 1
)

const schema = `
CREATE TABLE IF NOT EXISTS job (
	id                      INTEGER PRIMARY KEY,
	passport                INTEGER NOT NULL,
	status                  INTEGER NOT NULL,
	timeout                 INTEGER NOT NULL DEFAULT 0,
	run_timeout             INTEGER NOT NULL DEFAULT 0,
	subm_notif_port         INTEGER NOT NULL DEFAULT 0,
	subm_notif_timeout      INTEGER NOT NULL DEFAULT 0,
	listener_notif_addr     TEXT NOT NULL DEFAULT '',
	listener_notif_port     INTEGER NOT NULL DEFAULT 0,
	listener_notif_abstime  INTEGER NOT NULL DEFAULT 0,
	run_counter             INTEGER NOT NULL DEFAULT 0,
	read_counter            INTEGER NOT NULL DEFAULT 0,
	aff_id                  INTEGER NOT NULL DEFAULT 0,
	group_id                INTEGER NOT NULL DEFAULT 0,
	mask                    INTEGER NOT NULL DEFAULT 0,
	last_touch              INTEGER NOT NULL DEFAULT 0,
	client_ip               TEXT NOT NULL DEFAULT '',
	client_sid              TEXT NOT NULL DEFAULT '',
	input                   TEXT,
	output                  TEXT,
	progress_msg            TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS job_info (
	id      INTEGER PRIMARY KEY,
	input   TEXT,
	output  TEXT
);

CREATE TABLE IF NOT EXISTS events (
	job_id          INTEGER NOT NULL,
	event_id        INTEGER NOT NULL,
	event           INTEGER NOT NULL,
	status          INTEGER NOT NULL,
	timestamp       INTEGER NOT NULL,
	node_addr       TEXT NOT NULL DEFAULT '',
	ret_code        INTEGER NOT NULL DEFAULT -1,
	client_node     TEXT NOT NULL DEFAULT '',
	client_session  TEXT NOT NULL DEFAULT '',
	err_msg         TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, event_id)
);

CREATE TABLE IF NOT EXISTS aff_dict (
	aff_id  INTEGER PRIMARY KEY,
	token   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aff_dict_token ON aff_dict(token);

CREATE TABLE IF NOT EXISTS group_dict (
	group_id  INTEGER PRIMARY KEY,
	token     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_group_dict_token ON group_dict(token);

CREATE TABLE IF NOT EXISTS start_counter (
	pseudo_key  INTEGER PRIMARY KEY,
	start_from  INTEGER NOT NULL
);
`

// sqliteStore keeps a queue in a single sqlite database file. Fetched jobs
// are cached; a committed transaction evicts the jobs it wrote and bumps
// the generation, so a fetch that overlapped the commit is not cached.
type sqliteStore struct {
	db *sql.DB

	cacheMu   sync.Mutex
	cache     *lru.Cache
	cacheSize int
	gen       uint64

	newBackoff func() backoff.BackOff
}

// NewSQLiteStore opens or creates the database at path. cacheSize <= 0
// uses DefaultCacheSize.
func NewSQLiteStore(path string, cacheSize int) (storage.Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating directory for %s", path)
		}
	}
	// _txlock=immediate makes Begin take the write lock, so a busy
	// database is reported there and can be retried.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "pinging %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "initializing schema in %s", path)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &sqliteStore{
		db:        db,
		cache:     lru.New(cacheSize),
		cacheSize: cacheSize,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}, nil
}

func isBusy(err error) bool {
	if e, ok := errors.Cause(err).(sqlite3.Error); ok {
		return e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked
	}
	return false
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *sqliteStore) cached(id uint32) (*domain.Job, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if v, ok := s.cache.Get(id); ok {
		return v.(*domain.Job).Clone(), true
	}
	return nil, false
}

func (s *sqliteStore) generation() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.gen
}

// remember caches job unless a commit happened since gen was read.
func (s *sqliteStore) remember(job *domain.Job, gen uint64) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if gen != s.gen {
		return false
	}
	s.cache.Add(job.ID, job.Clone())
	return true
}

func (s *sqliteStore) forget(ids []uint32, all bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gen++
	if all {
		s.cache = lru.New(s.cacheSize)
		return
	}
	for _, id := range ids {
		s.cache.Remove(id)
	}
}

func (s *sqliteStore) FetchJob(id uint32) (*domain.Job, error) {
	if job, ok := s.cached(id); ok {
		return job, nil
	}
	gen := s.generation()
	job, err := s.fetch(id)
	if err != nil {
		return nil, err
	}
	s.remember(job, gen)
	return job, nil
}

func (s *sqliteStore) fetch(id uint32) (*domain.Job, error) {
	job := &domain.Job{ID: id}
	var passport, status, runCounter, readCounter int64
	var affID, groupID, mask, submPort, listenerPort int64
	var timeout, runTimeout, submTimeout, listenerAbs, touch int64
	var input, output sql.NullString
	err := s.db.QueryRow(`
SELECT passport, status, timeout, run_timeout, subm_notif_port, subm_notif_timeout,
       listener_notif_addr, listener_notif_port, listener_notif_abstime,
       run_counter, read_counter, aff_id, group_id, mask, last_touch,
       client_ip, client_sid, input, output, progress_msg
  FROM job WHERE id = ?`, id).Scan(
		&passport, &status, &timeout, &runTimeout, &submPort, &submTimeout,
		&job.ListenerNotifAddr, &listenerPort, &listenerAbs,
		&runCounter, &readCounter, &affID, &groupID, &mask, &touch,
		&job.ClientIP, &job.ClientSID, &input, &output, &job.ProgressMsg)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching job %d", id)
	}
	job.Passport = uint32(passport)
	job.Status = domain.JobStatus(status)
	job.Timeout = time.Duration(timeout)
	job.RunTimeout = time.Duration(runTimeout)
	job.SubmNotifPort = uint16(submPort)
	job.SubmNotifTimeout = time.Duration(submTimeout)
	job.ListenerNotifPort = uint16(listenerPort)
	job.ListenerNotifAbsTime = fromNanos(listenerAbs)
	job.RunCount = uint32(runCounter)
	job.ReadCount = uint32(readCounter)
	job.AffinityID = uint32(affID)
	job.GroupID = uint32(groupID)
	job.Mask = uint32(mask)
	job.LastTouch = fromNanos(touch)
	job.Input = input.String
	job.Output = output.String

	if !input.Valid || !output.Valid {
		var infoIn, infoOut sql.NullString
		err := s.db.QueryRow(`SELECT input, output FROM job_info WHERE id = ?`, id).Scan(&infoIn, &infoOut)
		if err != nil && err != sql.ErrNoRows {
			return nil, errors.Wrapf(err, "fetching job_info %d", id)
		}
		if !input.Valid {
			job.Input = infoIn.String
		}
		if !output.Valid {
			job.Output = infoOut.String
		}
	}

	rows, err := s.db.Query(`
SELECT event, status, timestamp, node_addr, ret_code, client_node, client_session, err_msg
  FROM events WHERE job_id = ? ORDER BY event_id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching events of job %d", id)
	}
	defer rows.Close()
	for rows.Next() {
		var ev domain.JobEvent
		var kind, evStatus, ts, retCode int64
		if err := rows.Scan(&kind, &evStatus, &ts, &ev.NodeAddr, &retCode,
			&ev.ClientNode, &ev.ClientSession, &ev.ErrorMsg); err != nil {
			return nil, errors.Wrapf(err, "scanning events of job %d", id)
		}
		ev.Kind = domain.EventKind(kind)
		ev.Status = domain.JobStatus(evStatus)
		ev.Timestamp = fromNanos(ts)
		ev.RetCode = int32(retCode)
		job.Events = append(job.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading events of job %d", id)
	}
	job.MarkStored()
	return job, nil
}

func (s *sqliteStore) ForEachJob(fn func(*domain.Job) error) error {
	rows, err := s.db.Query(`SELECT id FROM job ORDER BY id`)
	if err != nil {
		return errors.Wrap(err, "listing jobs")
	}
	var ids []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return errors.Wrap(err, "listing jobs")
		}
		ids = append(ids, uint32(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "listing jobs")
	}

	for _, id := range ids {
		job, err := s.fetch(id)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) loadDict(table, idColumn string) (map[uint32]string, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT %s, token FROM %s`, idColumn, table))
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", table)
	}
	defer rows.Close()
	out := make(map[uint32]string)
	for rows.Next() {
		var (
			id    int64
			token string
		)
		if err := rows.Scan(&id, &token); err != nil {
			return nil, errors.Wrapf(err, "loading %s", table)
		}
		out[uint32(id)] = token
	}
	return out, errors.Wrapf(rows.Err(), "loading %s", table)
}

func (s *sqliteStore) LoadAffinities() (map[uint32]string, error) {
	return s.loadDict("aff_dict", "aff_id")
}

func (s *sqliteStore) LoadGroups() (map[uint32]string, error) {
	return s.loadDict("group_dict", "group_id")
}

func (s *sqliteStore) StartCounter() (uint32, error) {
	var n int64
	err := s.db.QueryRow(`SELECT start_from FROM start_counter WHERE pseudo_key = ?`, counterKey).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "reading start counter")
	}
	return uint32(n), nil
}

// Begin retries while the database is locked by another writer.
func (s *sqliteStore) Begin() (storage.Tx, error) {
	var (
		tx  *sql.Tx
		err error
	)
	try := 1
	backoff.Retry(func() error {
		tx, err = s.db.Begin()
		if isBusy(err) {
			log.Debugf("Database busy, try #%d", try)
			try++
			return err
		}
		return nil
	}, s.newBackoff())
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	return &sqliteTx{store: s, tx: tx}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	store    *sqliteStore
	tx       *sql.Tx
	written  []uint32
	truncate bool
}

func (t *sqliteTx) PutJob(job *domain.Job) error {
	if len(job.Input) > domain.MaxOverflowSize || len(job.Output) > domain.MaxOverflowSize {
		return errors.Errorf("payload of job %d exceeds %d bytes", job.ID, domain.MaxOverflowSize)
	}
	inInline, inOverflow := domain.SplitPayload(job.Input)
	outInline, outOverflow := domain.SplitPayload(job.Output)

	// NULL in job.input or job.output means the payload lives in job_info
	var input, output interface{} = inInline, outInline
	if inOverflow != "" {
		input = nil
	}
	if outOverflow != "" {
		output = nil
	}

	_, err := t.tx.Exec(`
INSERT OR REPLACE INTO job (
  id, passport, status, timeout, run_timeout, subm_notif_port, subm_notif_timeout,
  listener_notif_addr, listener_notif_port, listener_notif_abstime,
  run_counter, read_counter, aff_id, group_id, mask, last_touch,
  client_ip, client_sid, input, output, progress_msg)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Passport, int(job.Status), int64(job.Timeout), int64(job.RunTimeout),
		job.SubmNotifPort, int64(job.SubmNotifTimeout),
		job.ListenerNotifAddr, job.ListenerNotifPort, nanos(job.ListenerNotifAbsTime),
		job.RunCount, job.ReadCount, job.AffinityID, job.GroupID, job.Mask, nanos(job.LastTouch),
		job.ClientIP, job.ClientSID, input, output, job.ProgressMsg)
	if err != nil {
		return errors.Wrapf(err, "writing job %d", job.ID)
	}

	if inOverflow != "" || outOverflow != "" {
		_, err = t.tx.Exec(`INSERT OR REPLACE INTO job_info (id, input, output) VALUES (?, ?, ?)`,
			job.ID, inOverflow, outOverflow)
	} else {
		_, err = t.tx.Exec(`DELETE FROM job_info WHERE id = ?`, job.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "writing job_info %d", job.ID)
	}

	for i := job.StoredEvents(); i < len(job.Events); i++ {
		ev := job.Events[i]
		_, err := t.tx.Exec(`
INSERT OR REPLACE INTO events (
  job_id, event_id, event, status, timestamp, node_addr, ret_code,
  client_node, client_session, err_msg)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, i, int(ev.Kind), int(ev.Status), nanos(ev.Timestamp), ev.NodeAddr,
			ev.RetCode, ev.ClientNode, ev.ClientSession, ev.ErrorMsg)
		if err != nil {
			return errors.Wrapf(err, "writing event %d of job %d", i, job.ID)
		}
	}
	t.written = append(t.written, job.ID)
	return nil
}

func (t *sqliteTx) DeleteJob(id uint32) error {
	for _, q := range []string{
		`DELETE FROM job WHERE id = ?`,
		`DELETE FROM job_info WHERE id = ?`,
		`DELETE FROM events WHERE job_id = ?`,
	} {
		if _, err := t.tx.Exec(q, id); err != nil {
			return errors.Wrapf(err, "deleting job %d", id)
		}
	}
	t.written = append(t.written, id)
	return nil
}

func (t *sqliteTx) PutAffinity(id uint32, token string) error {
	_, err := t.tx.Exec(`INSERT OR REPLACE INTO aff_dict (aff_id, token) VALUES (?, ?)`, id, token)
	return errors.Wrapf(err, "writing affinity %d", id)
}

func (t *sqliteTx) DeleteAffinity(id uint32) error {
	_, err := t.tx.Exec(`DELETE FROM aff_dict WHERE aff_id = ?`, id)
	return errors.Wrapf(err, "deleting affinity %d", id)
}

func (t *sqliteTx) PutGroup(id uint32, token string) error {
	_, err := t.tx.Exec(`INSERT OR REPLACE INTO group_dict (group_id, token) VALUES (?, ?)`, id, token)
	return errors.Wrapf(err, "writing group %d", id)
}

func (t *sqliteTx) DeleteGroup(id uint32) error {
	_, err := t.tx.Exec(`DELETE FROM group_dict WHERE group_id = ?`, id)
	return errors.Wrapf(err, "deleting group %d", id)
}

func (t *sqliteTx) SetStartCounter(next uint32) error {
	_, err := t.tx.Exec(`INSERT OR REPLACE INTO start_counter (pseudo_key, start_from) VALUES (?, ?)`,
		counterKey, next)
	return errors.Wrap(err, "writing start counter")
}

func (t *sqliteTx) Truncate() error {
	for _, table := range []string{"job", "job_info", "events", "aff_dict", "group_dict", "start_counter"} {
		if _, err := t.tx.Exec(`DELETE FROM ` + table); err != nil {
			return errors.Wrapf(err, "truncating %s", table)
		}
	}
	t.truncate = true
	return nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, "committing")
	}
	t.store.forget(t.written, t.truncate)
	return nil
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}
