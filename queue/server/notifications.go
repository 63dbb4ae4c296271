package server

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/domain"
)

type listener struct {
	addr       string
	port       uint16
	clientNode string
	lifetime   time.Time

	wnodeAff        bool
	anyJob          bool
	exclusiveNewAff bool
	newFormat       bool

	// zero while the listener is passive
	hifreqLifetime time.Time
	slowRate       bool
	slowRateCount  uint
}

func (l *listener) is(addr string, port uint16) bool {
	return l.addr == addr && l.port == port
}

type exactNotification struct {
	addr      string
	port      uint16
	at        time.Time
	newFormat bool
}

// ListenerInfo is the admin view of a listener.
type ListenerInfo struct {
	Address          string    `json:"address"`
	Port             uint16    `json:"port"`
	ClientNode       string    `json:"client_node"`
	Lifetime         time.Time `json:"lifetime"`
	AnyJob           bool      `json:"any_job"`
	UsePreferred     bool      `json:"use_preferred_affinities"`
	ExclusiveNewAff  bool      `json:"exclusive_new_affinity"`
	NewFormat        bool      `json:"new_format"`
	Active           bool      `json:"active"`
	HifreqLifetime   time.Time `json:"high_frequency_lifetime,omitempty"`
	SlowRate         bool      `json:"slow_rate"`
	WaitAffinities   []uint32  `json:"wait_affinities"`
	PreferredAffs    []uint32  `json:"preferred_affinities,omitempty"`
	ExactScheduledAt time.Time `json:"exact_scheduled_at,omitempty"`
}

// NotificationList holds the workers waiting for a job after a GET with a
// wait port. A passive listener has not been notified yet; an active one
// was notified recently and keeps being reminded, quickly at first and
// then every lofreqMult ticks, until its lifetime is over.
//
// A given address:port is in at most one of the two lists.
type NotificationList struct {
	mu      sync.Mutex
	passive []*listener
	active  []*listener
	clients *ClientRegistry

	exactMu sync.Mutex
	exact   []exactNotification

	sender    Sender
	nodeName  string
	getMsg    []byte
	getMsgOld []byte
	rnd       *rand.Rand
	wake      chan struct{}

	sent   stats.Counter
	failed stats.Counter
}

func NewNotificationList(nodeName, queueName string, sender Sender, clients *ClientRegistry, stat stats.StatsReceiver) *NotificationList {
	return &NotificationList{
		clients:   clients,
		sender:    sender,
		nodeName:  nodeName,
		getMsg:    []byte(fmt.Sprintf("ns_node=%s&queue=%s", nodeName, queueName)),
		getMsgOld: []byte(fmt.Sprintf("NCBI_JSQ_%s", queueName)),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:      make(chan struct{}, 1),
		sent:      stat.Counter(stats.NSNotificationsSentCounter),
		failed:    stat.Counter(stats.NSNotificationsFailedCounter),
	}
}

// Wakeup fires when an exact time notification was scheduled and the
// notification loop may have to come back earlier than planned.
func (n *NotificationList) Wakeup() <-chan struct{} {
	return n.wake
}

func find(list []*listener, addr string, port uint16) int {
	for i, l := range list {
		if l.is(addr, port) {
			return i
		}
	}
	return -1
}

func remove(list []*listener, i int) []*listener {
	copy(list[i:], list[i+1:])
	list[len(list)-1] = nil
	return list[:len(list)-1]
}

// RegisterListener records a GET waiting on c.Address:port until
// now+timeout. Registering the same address:port again replaces the old
// record and makes it passive.
func (n *NotificationList) RegisterListener(c *domain.ClientID, port uint16, timeout time.Duration, now time.Time,
	wnodeAff, anyJob, exclusiveNewAff, newFormat bool) {
	l := &listener{
		addr:            c.Address,
		port:            port,
		clientNode:      c.Node,
		lifetime:        now.Add(timeout),
		wnodeAff:        wnodeAff,
		anyJob:          anyJob,
		exclusiveNewAff: exclusiveNewAff,
		newFormat:       newFormat,
	}
	// nothing is known about the affinities of old style clients
	if l.clientNode == "" {
		l.anyJob = true
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if i := find(n.passive, c.Address, port); i >= 0 {
		n.passive[i] = l
		return
	}
	if i := find(n.active, c.Address, port); i >= 0 {
		n.active = remove(n.active, i)
	}
	n.passive = append(n.passive, l)
}

// UnregisterListener removes the listener and resets the wait state of
// its client. It reports whether a listener was found.
func (n *NotificationList) UnregisterListener(addr string, port uint16) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i := find(n.passive, addr, port); i >= 0 {
		n.drop(&n.passive, i)
		return true
	}
	if i := find(n.active, addr, port); i >= 0 {
		n.drop(&n.active, i)
		return true
	}
	return false
}

// drop is the only place a listener leaves the lists for good.
func (n *NotificationList) drop(list *[]*listener, i int) {
	l := (*list)[i]
	*list = remove(*list, i)
	if l.clientNode != "" {
		n.clients.ResetWaitingOnPort(l.clientNode, l.port)
	}
}

// dropIfTimedOut reports whether list[i] was dropped.
func (n *NotificationList) dropIfTimedOut(list *[]*listener, i int, now time.Time) bool {
	if now.After((*list)[i].lifetime) {
		n.drop(list, i)
		return true
	}
	return false
}

// CheckTimeout drops listeners past their lifetime and makes the other
// active listeners passive again. Used when no job is pending.
func (n *NotificationList) CheckTimeout(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < len(n.passive); {
		if !n.dropIfTimedOut(&n.passive, i, now) {
			i++
		}
	}
	for i := 0; i < len(n.active); {
		if n.dropIfTimedOut(&n.active, i, now) {
			continue
		}
		l := n.active[i]
		n.active = remove(n.active, i)
		l.hifreqLifetime = time.Time{}
		l.slowRate = false
		l.slowRateCount = 0
		n.passive = append(n.passive, l)
	}
}

// NotifyPeriodically reminds active listeners. Inside the high frequency
// window a listener gets one packet per call unless an exact time packet
// is already due for it; afterwards it gets a pair of packets every
// lofreqMult+1 calls.
func (n *NotificationList) NotifyPeriodically(now time.Time, lofreqMult uint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < len(n.active); {
		if n.dropIfTimedOut(&n.active, i, now) {
			continue
		}
		l := n.active[i]
		i++
		if l.slowRate || now.After(l.hifreqLifetime) {
			l.slowRate = true
			l.slowRateCount++
			if l.slowRateCount > lofreqMult {
				l.slowRateCount = 0
				// twice, to improve the odds of UDP delivery
				n.send(l.addr, l.port, l.newFormat)
				n.send(l.addr, l.port, l.newFormat)
			}
			continue
		}
		if !n.isInExactList(l.addr, l.port) {
			n.send(l.addr, l.port, l.newFormat)
		}
	}
}

// CheckOutdatedJobs wakes exclusive new affinity listeners for jobs that
// have been pending for too long and are not blacklisted for them.
func (n *NotificationList) CheckOutdatedJobs(outdated *roaring.Bitmap, now time.Time, hifreqPeriod time.Duration) {
	if outdated.IsEmpty() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < len(n.passive); {
		l := n.passive[i]
		if l.exclusiveNewAff &&
			!roaring.AndNot(outdated, n.clients.GetBlacklistedJobs(l.clientNode, now)).IsEmpty() {
			n.send(l.addr, l.port, l.newFormat)
			n.activate(i, now, hifreqPeriod)
			continue
		}
		i++
	}
}

func (n *NotificationList) activate(i int, now time.Time, hifreqPeriod time.Duration) *listener {
	l := n.passive[i]
	n.passive = remove(n.passive, i)
	l.hifreqLifetime = now.Add(hifreqPeriod)
	n.active = append(n.active, l)
	return l
}

// NotifyJob is Notify for a single job.
func (n *NotificationList) NotifyJob(jobID, affinityID uint32, now time.Time, hifreqPeriod, handicap time.Duration) {
	affs := roaring.NewBitmap()
	if affinityID != 0 {
		affs.Add(affinityID)
	}
	n.Notify(roaring.BitmapOf(jobID), affs, affinityID == 0, now, hifreqPeriod, handicap)
}

// Notify tells passive listeners that jobs became pending. affs are the
// affinities of those jobs and noAffJobs tells whether some of them have
// none.
//
// With a non zero handicap only one randomly chosen listener is sent a
// packet right away; the rest are scheduled at now+handicap.
func (n *NotificationList) Notify(jobs, affs *roaring.Bitmap, noAffJobs bool, now time.Time, hifreqPeriod, handicap time.Duration) {
	allPreferred := n.clients.GetAllPreferredAffinities()

	n.mu.Lock()
	defer n.mu.Unlock()

	var targets []*listener
	for i := 0; i < len(n.passive); {
		if n.dropIfTimedOut(&n.passive, i, now) {
			continue
		}
		l := n.passive[i]

		if roaring.AndNot(jobs, n.clients.GetBlacklistedJobs(l.clientNode, now)).IsEmpty() {
			i++
			continue
		}

		shouldSend := l.anyJob
		if !shouldSend && !affs.IsEmpty() {
			shouldSend = n.clients.IsRequestedAffinity(l.clientNode, affs, l.wnodeAff)
		}
		if !shouldSend && l.exclusiveNewAff {
			if noAffJobs {
				shouldSend = true
			} else if !affs.IsEmpty() {
				shouldSend = !roaring.AndNot(affs, allPreferred).IsEmpty()
			}
		}
		if !shouldSend {
			i++
			continue
		}

		l = n.activate(i, now, hifreqPeriod)
		if handicap > 0 {
			targets = append(targets, l)
		} else {
			n.send(l.addr, l.port, l.newFormat)
		}
	}

	if len(targets) == 0 {
		return
	}
	n.rnd.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	n.send(targets[0].addr, targets[0].port, targets[0].newFormat)
	when := now.Add(handicap)
	for _, l := range targets[1:] {
		n.AddToExactNotifications(l.addr, l.port, when, l.newFormat)
	}
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// AddToExactNotifications schedules a packet at the given instant. An
// address:port already scheduled keeps its earlier slot.
func (n *NotificationList) AddToExactNotifications(addr string, port uint16, at time.Time, newFormat bool) {
	n.exactMu.Lock()
	defer n.exactMu.Unlock()
	for _, e := range n.exact {
		if e.addr == addr && e.port == port {
			return
		}
	}
	i := sort.Search(len(n.exact), func(i int) bool { return n.exact[i].at.After(at) })
	n.exact = append(n.exact, exactNotification{})
	copy(n.exact[i+1:], n.exact[i:])
	n.exact[i] = exactNotification{addr: addr, port: port, at: at, newFormat: newFormat}
}

func (n *NotificationList) ClearExactNotifications() {
	n.exactMu.Lock()
	defer n.exactMu.Unlock()
	n.exact = nil
}

// NotifyExactListeners sends every scheduled packet that is due and
// returns when the next one is, or the zero time if none is left.
func (n *NotificationList) NotifyExactListeners(now time.Time) time.Time {
	n.exactMu.Lock()
	defer n.exactMu.Unlock()
	for len(n.exact) > 0 {
		e := n.exact[0]
		if e.at.After(now) {
			return e.at
		}
		n.send(e.addr, e.port, e.newFormat)
		n.exact = n.exact[1:]
	}
	n.exact = nil
	return time.Time{}
}

func (n *NotificationList) isInExactList(addr string, port uint16) bool {
	n.exactMu.Lock()
	defer n.exactMu.Unlock()
	for _, e := range n.exact {
		if e.addr == addr && e.port == port {
			return true
		}
	}
	return false
}

// NotifyJobStatus tells a job listener about a status change.
// lastEventIndex is zero based.
func (n *NotificationList) NotifyJobStatus(addr string, port uint16, jobKey string, status domain.JobStatus, lastEventIndex int) {
	msg := fmt.Sprintf("ns_node=%s&job_key=%s&job_status=%s&last_event_index=%d",
		n.nodeName, jobKey, status, lastEventIndex)
	n.deliver(addr, port, []byte(msg))
}

func (n *NotificationList) send(addr string, port uint16, newFormat bool) {
	if newFormat {
		n.deliver(addr, port, n.getMsg)
	} else {
		n.deliver(addr, port, n.getMsgOld)
	}
}

func (n *NotificationList) deliver(addr string, port uint16, payload []byte) {
	if err := n.sender.Send(addr, port, payload); err != nil {
		n.failed.Inc(1)
		log.WithFields(
			log.Fields{
				"addr": addr,
				"port": port,
				"err":  err,
			}).Info("Failed to send notification")
		return
	}
	n.sent.Inc(1)
}

// Counts returns the number of passive and active listeners.
func (n *NotificationList) Counts() (passive, active int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.passive), len(n.active)
}

// ExactCount returns the number of scheduled packets.
func (n *NotificationList) ExactCount() int {
	n.exactMu.Lock()
	defer n.exactMu.Unlock()
	return len(n.exact)
}

// Snapshot lists active listeners first, then passive ones.
func (n *NotificationList) Snapshot() []ListenerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	exact := make(map[string]time.Time)
	n.exactMu.Lock()
	for _, e := range n.exact {
		exact[fmt.Sprintf("%s:%d", e.addr, e.port)] = e.at
	}
	n.exactMu.Unlock()

	out := make([]ListenerInfo, 0, len(n.active)+len(n.passive))
	describe := func(l *listener, active bool) {
		info := ListenerInfo{
			Address:          l.addr,
			Port:             l.port,
			ClientNode:       l.clientNode,
			Lifetime:         l.lifetime,
			AnyJob:           l.anyJob,
			UsePreferred:     l.wnodeAff,
			ExclusiveNewAff:  l.exclusiveNewAff,
			NewFormat:        l.newFormat,
			Active:           active,
			HifreqLifetime:   l.hifreqLifetime,
			SlowRate:         l.slowRate,
			WaitAffinities:   n.clients.GetWaitAffinities(l.clientNode).ToArray(),
			ExactScheduledAt: exact[fmt.Sprintf("%s:%d", l.addr, l.port)],
		}
		if l.wnodeAff {
			info.PreferredAffs = n.clients.GetPreferredAffinities(l.clientNode).ToArray()
		}
		out = append(out, info)
	}
	for _, l := range n.active {
		describe(l, true)
	}
	for _, l := range n.passive {
		describe(l, false)
	}
	return out
}
