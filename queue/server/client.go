package server

import (
	"math"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/queue/domain"
)

// ClientType is inferred from what a client does, never declared.
type ClientType uint32

const (
	ClientSubmitter ClientType = 1 << iota
	ClientWorker
	ClientReader
)

func (t ClientType) String() string {
	var parts []string
	if t&ClientSubmitter != 0 {
		parts = append(parts, "submitter")
	}
	if t&ClientWorker != 0 {
		parts = append(parts, "worker node")
	}
	if t&ClientReader != 0 {
		parts = append(parts, "reader")
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, " | ")
}

var forever = time.Unix(math.MaxInt64/2, 0)

// Client is the registry record of one node.
type Client struct {
	cleared bool
	kind    ClientType

	addr        string
	controlPort uint16
	clientHost  string

	registrationTime time.Time
	sessionStart     time.Time
	sessionReset     time.Time
	lastAccess       time.Time
	session          string

	running     *roaring.Bitmap
	reading     *roaring.Bitmap
	blacklisted *roaring.Bitmap
	// job id -> last instant the job stays blacklisted
	blacklistLimits map[uint32]time.Time

	waitPort uint16
	id       uint32

	preferred *roaring.Bitmap
	waitAffs  *roaring.Bitmap

	numSubmitted uint64
	numRead      uint64
	numRun       uint64

	// preferred affinities were dropped for inactivity and the client has
	// not set new ones since
	affReset   bool
	sockErrors uint64
}

func newClient(c *domain.ClientID, id uint32, now time.Time) *Client {
	return &Client{
		addr:             c.Address,
		controlPort:      c.ControlPort,
		clientHost:       c.ClientHost,
		registrationTime: now,
		sessionStart:     now,
		lastAccess:       now,
		session:          c.Session,
		running:          roaring.NewBitmap(),
		reading:          roaring.NewBitmap(),
		blacklisted:      roaring.NewBitmap(),
		blacklistLimits:  make(map[uint32]time.Time),
		id:               id,
		preferred:        roaring.NewBitmap(),
		waitAffs:         roaring.NewBitmap(),
	}
}

// clear is what CLRN does to a client. It returns whether preferred
// affinities were set; the caller must release them in the affinity
// registry.
func (c *Client) clear(now time.Time) bool {
	c.cleared = true
	c.session = ""
	c.sessionReset = now
	c.running.Clear()
	c.reading.Clear()
	c.waitPort = 0
	c.waitAffs.Clear()
	if c.preferred.IsEmpty() {
		return false
	}
	c.preferred.Clear()
	return true
}

// touch refreshes the client and detects a session change. On a change
// the running and reading jobs are handed back exactly once and the
// client's claims are dropped.
func (c *Client) touch(id *domain.ClientID, now time.Time) (running, reading *roaring.Bitmap, hadPreferred bool) {
	c.lastAccess = now
	c.cleared = false
	c.controlPort = id.ControlPort
	c.clientHost = id.ClientHost

	if c.session == id.Session {
		return nil, nil, false
	}

	c.sessionStart = now
	running = c.running
	reading = c.reading
	c.running = roaring.NewBitmap()
	c.reading = roaring.NewBitmap()
	c.session = id.Session

	waitCount := c.waitAffs.GetCardinality()
	c.waitAffs.Clear()
	prefCount := c.preferred.GetCardinality()

	log.WithFields(
		log.Fields{
			"node":                id.Node,
			"session":             id.Session,
			"runningJobs":         running.GetCardinality(),
			"readingJobs":         reading.GetCardinality(),
			"preferredAffinities": prefCount,
			"waitAffinities":      waitCount,
		}).Warn("Client changed its session and was reset")

	if prefCount > 0 {
		c.preferred.Clear()
		return running, reading, true
	}
	return running, reading, false
}

func (c *Client) registerRunningJob(jobID uint32, now time.Time) {
	c.lastAccess = now
	c.kind |= ClientWorker
	c.running.Add(jobID)
	c.numRun++
}

func (c *Client) registerReadingJob(jobID uint32, now time.Time) {
	c.lastAccess = now
	c.kind |= ClientReader
	c.reading.Add(jobID)
	c.numRead++
}

func (c *Client) registerSubmittedJobs(count uint64, now time.Time) {
	c.lastAccess = now
	c.kind |= ClientSubmitter
	c.numSubmitted += count
}

func (c *Client) registerBlacklistedJob(jobID uint32, timeout time.Duration, now time.Time) {
	c.lastAccess = now
	c.addToBlacklist(jobID, timeout)
}

func (c *Client) moveRunningJobToBlacklist(jobID uint32, timeout time.Duration) bool {
	if !c.running.Contains(jobID) {
		return false
	}
	c.running.Remove(jobID)
	c.addToBlacklist(jobID, timeout)
	return true
}

func (c *Client) moveReadingJobToBlacklist(jobID uint32, timeout time.Duration) bool {
	if !c.reading.Contains(jobID) {
		return false
	}
	c.reading.Remove(jobID)
	c.addToBlacklist(jobID, timeout)
	return true
}

func (c *Client) addToBlacklist(jobID uint32, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	limit := c.lastAccess.Add(timeout)
	if limit.Before(c.lastAccess) {
		limit = forever
	}
	c.blacklistLimits[jobID] = limit
	c.blacklisted.Add(jobID)
}

// updateBlacklist drops entries whose limit has passed.
func (c *Client) updateBlacklist(now time.Time) {
	for jobID, limit := range c.blacklistLimits {
		if limit.Before(now) {
			delete(c.blacklistLimits, jobID)
			c.blacklisted.Remove(jobID)
		}
	}
}

func (c *Client) isJobBlacklisted(jobID uint32, now time.Time) bool {
	limit, ok := c.blacklistLimits[jobID]
	if !ok {
		return false
	}
	if limit.Before(now) {
		delete(c.blacklistLimits, jobID)
		c.blacklisted.Remove(jobID)
		return false
	}
	return true
}

func (c *Client) blacklistedJobs(now time.Time) *roaring.Bitmap {
	c.updateBlacklist(now)
	return c.blacklisted.Clone()
}

// dropVanishedBlacklisted removes blacklist entries of jobs that no longer
// exist.
func (c *Client) dropVanishedBlacklisted(tracker *StatusTracker) {
	for jobID := range c.blacklistLimits {
		if tracker.GetStatus(jobID) == domain.StatusNotFound {
			delete(c.blacklistLimits, jobID)
			c.blacklisted.Remove(jobID)
		}
	}
}

func (c *Client) addPreferredAffinities(affs *roaring.Bitmap) {
	c.kind |= ClientWorker
	c.preferred.Or(affs)
	c.affReset = false
}

func (c *Client) addPreferredAffinity(aff uint32) {
	c.kind |= ClientWorker
	if aff != 0 {
		c.preferred.Add(aff)
	}
	c.affReset = false
}

func (c *Client) removePreferredAffinities(affs *roaring.Bitmap) {
	c.kind |= ClientWorker
	c.preferred.AndNot(affs)
	c.affReset = false
}

func (c *Client) setPreferredAffinities(affs *roaring.Bitmap) {
	c.kind |= ClientWorker
	c.preferred = affs.Clone()
	c.affReset = false
}

func (c *Client) registerWaitAffinities(affs *roaring.Bitmap) {
	c.kind |= ClientWorker
	c.waitAffs = affs.Clone()
}

// isRequestedAffinity tells whether a notification about affs concerns
// this client.
func (c *Client) isRequestedAffinity(affs *roaring.Bitmap, usePreferred bool) bool {
	if c.waitAffs.Intersects(affs) {
		return true
	}
	return usePreferred && c.preferred.Intersects(affs)
}

// ClientInfo is the admin view of a client.
type ClientInfo struct {
	Node             string    `json:"node"`
	ID               uint32    `json:"id"`
	Type             string    `json:"type"`
	Cleared          bool      `json:"cleared"`
	Address          string    `json:"address"`
	ControlPort      uint16    `json:"control_port"`
	ClientHost       string    `json:"client_host"`
	Session          string    `json:"session"`
	RegistrationTime time.Time `json:"registration_time"`
	SessionStart     time.Time `json:"session_start"`
	SessionReset     time.Time `json:"session_reset,omitempty"`
	LastAccess       time.Time `json:"last_access"`
	WaitPort         uint16    `json:"wait_port"`
	Running          []uint32  `json:"running"`
	Reading          []uint32  `json:"reading"`
	Blacklisted      []uint32  `json:"blacklisted"`
	Preferred        []uint32  `json:"preferred_affinities"`
	WaitAffinities   []uint32  `json:"wait_affinities"`
	Submitted        uint64    `json:"submitted"`
	Run              uint64    `json:"run"`
	Read             uint64    `json:"read"`
	AffinitiesReset  bool      `json:"affinities_reset"`
	SocketErrors     uint64    `json:"socket_errors"`
}

func (c *Client) info(node string, now time.Time) ClientInfo {
	c.updateBlacklist(now)
	return ClientInfo{
		Node:             node,
		ID:               c.id,
		Type:             c.kind.String(),
		Cleared:          c.cleared,
		Address:          c.addr,
		ControlPort:      c.controlPort,
		ClientHost:       c.clientHost,
		Session:          c.session,
		RegistrationTime: c.registrationTime,
		SessionStart:     c.sessionStart,
		SessionReset:     c.sessionReset,
		LastAccess:       c.lastAccess,
		WaitPort:         c.waitPort,
		Running:          c.running.ToArray(),
		Reading:          c.reading.ToArray(),
		Blacklisted:      c.blacklisted.ToArray(),
		Preferred:        c.preferred.ToArray(),
		WaitAffinities:   c.waitAffs.ToArray(),
		Submitted:        c.numSubmitted,
		Run:              c.numRun,
		Read:             c.numRead,
		AffinitiesReset:  c.affReset,
		SocketErrors:     c.sockErrors,
	}
}
