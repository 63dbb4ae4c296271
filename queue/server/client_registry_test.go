package server

import (
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/netschedule/queue/domain"
)

func worker(node, session string) *domain.ClientID {
	return &domain.ClientID{Address: "10.1.1.1", Node: node, Session: session}
}

func Test_ClientRegistry_OldStyleClientsAreNotTracked(t *testing.T) {
	r := NewClientRegistry(NewAffinityRegistry())
	anon := &domain.ClientID{Address: "10.1.1.1"}
	running, reading, _ := r.Touch(anon, time.Unix(1, 0))
	assert.Nil(t, running)
	assert.Nil(t, reading)
	r.RegisterRunningJob(anon, 5, time.Unix(1, 0))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, uint32(0), anon.ID)
}

func Test_ClientRegistry_SessionChangeReturnsJobsOnce(t *testing.T) {
	affs := NewAffinityRegistry()
	r := NewClientRegistry(affs)
	now := time.Unix(100, 0)

	c := worker("w1", "s1")
	r.Touch(c, now)
	require.NotZero(t, c.ID)
	r.RegisterRunningJob(c, 7, now)
	r.RegisterReadingJob(c, 8, now)

	a := affs.ResolveToken("a")
	require.NoError(t, r.SetPreferredAffinities(c, roaring.BitmapOf(a), 0))

	c2 := worker("w1", "s2")
	running, reading, hadPreferred := r.Touch(c2, now.Add(time.Second))
	assert.Equal(t, c.ID, c2.ID)
	assert.Equal(t, []uint32{7}, running.ToArray())
	assert.Equal(t, []uint32{8}, reading.ToArray())
	assert.True(t, hadPreferred)
	assert.True(t, r.GetPreferredAffinities("w1").IsEmpty())
	assert.True(t, affs.IsRemoveCandidate(a))

	running, reading, _ = r.Touch(c2, now.Add(2*time.Second))
	assert.Nil(t, running)
	assert.Nil(t, reading)
}

func Test_ClientRegistry_BlacklistExpires(t *testing.T) {
	r := NewClientRegistry(NewAffinityRegistry())
	r.SetBlacklistTimeout(time.Minute)
	now := time.Unix(100, 0)

	c := worker("w1", "s1")
	r.Touch(c, now)
	r.RegisterRunningJob(c, 7, now)
	assert.True(t, r.MoveRunningJobToBlacklist("w1", 7))
	assert.False(t, r.MoveRunningJobToBlacklist("w1", 7), "job is no longer running")

	assert.True(t, r.IsJobBlacklisted("w1", 7, now.Add(time.Minute)))
	assert.Equal(t, []uint32{7}, r.GetBlacklistedJobs("w1", now).ToArray())
	assert.False(t, r.IsJobBlacklisted("w1", 7, now.Add(time.Minute+time.Second)))
	assert.True(t, r.GetBlacklistedJobs("w1", now.Add(time.Hour)).IsEmpty())
}

func Test_ClientRegistry_ZeroBlacklistTimeoutDisablesBlacklist(t *testing.T) {
	r := NewClientRegistry(NewAffinityRegistry())
	now := time.Unix(100, 0)

	c := worker("w1", "s1")
	r.Touch(c, now)
	r.RegisterRunningJob(c, 7, now)
	assert.True(t, r.MoveRunningJobToBlacklist("w1", 7))
	assert.False(t, r.IsJobBlacklisted("w1", 7, now))

	r.RegisterBlacklistedJob(c, 9, now)
	assert.True(t, r.GetBlacklistedJobs("w1", now).IsEmpty())
}

func Test_ClientRegistry_PreferredAffinityLimit(t *testing.T) {
	affs := NewAffinityRegistry()
	r := NewClientRegistry(affs)
	c := worker("w1", "s1")
	r.Touch(c, time.Unix(1, 0))

	a, b, d := affs.ResolveToken("a"), affs.ResolveToken("b"), affs.ResolveToken("d")
	require.NoError(t, r.UpdatePreferredAffinities(c, roaring.BitmapOf(a, b), roaring.NewBitmap(), 2))

	err := r.UpdatePreferredAffinities(c, roaring.BitmapOf(d), roaring.NewBitmap(), 2)
	assert.True(t, domain.IsCode(err, domain.TooManyPreferredAffinities))
	assert.Equal(t, []uint32{a, b}, r.GetPreferredAffinities("w1").ToArray())

	require.NoError(t, r.UpdatePreferredAffinities(c, roaring.BitmapOf(d), roaring.BitmapOf(a), 2))
	assert.Equal(t, []uint32{b, d}, r.GetPreferredAffinities("w1").ToArray())
	assert.True(t, r.IsRequestedAffinity("w1", roaring.BitmapOf(d), true))
	assert.False(t, r.IsRequestedAffinity("w1", roaring.BitmapOf(d), false))
	assert.True(t, affs.IsRemoveCandidate(a))
}

func Test_ClientRegistry_WaitAffinities(t *testing.T) {
	affs := NewAffinityRegistry()
	r := NewClientRegistry(affs)
	c := worker("w1", "s1")
	r.Touch(c, time.Unix(1, 0))

	waits := affs.ResolveAffinitiesForWaitClient([]string{"x"}, c.ID)
	r.RegisterWaitAffinities(c, waits)
	r.SetWaiting(c, 9100)
	assert.Equal(t, uint16(9100), r.GetWaitPort("w1"))
	assert.True(t, r.IsRequestedAffinity("w1", waits, false))

	assert.True(t, r.ResetWaiting("w1"))
	assert.Equal(t, uint16(0), r.GetWaitPort("w1"))
	assert.False(t, r.ResetWaiting("w1"))
	assert.Equal(t, 1, affs.CheckRemoveCandidates())
}

func Test_ClientRegistry_Purge(t *testing.T) {
	affs := NewAffinityRegistry()
	r := NewClientRegistry(affs)
	now := time.Unix(1000, 0)

	busy := worker("busy", "s")
	r.Touch(busy, now)
	r.AddPreferredAffinity(busy, affs.ResolveToken("a"))

	idle := worker("idle", "s")
	r.Touch(idle, now)

	running := worker("running", "s")
	r.Touch(running, now)
	r.RegisterRunningJob(running, 3, now)

	r.Touch(busy, now.Add(45*time.Minute))
	reset, deleted := r.Purge(now.Add(time.Hour), time.Minute, 30*time.Minute)
	assert.Equal(t, 1, reset)
	assert.Equal(t, 1, deleted)
	assert.True(t, r.GetAffinityReset("busy"))
	assert.Equal(t, 2, r.Len())

	snap := r.Snapshot(now)
	require.Len(t, snap, 2)
	assert.Equal(t, "busy", snap[0].Node)
	assert.Equal(t, "worker node", snap[0].Type)
	assert.Equal(t, []uint32{3}, snap[1].Running)
}

func Test_ClientRegistry_ClearClient(t *testing.T) {
	affs := NewAffinityRegistry()
	r := NewClientRegistry(affs)
	now := time.Unix(1000, 0)
	c := worker("w1", "s1")
	r.Touch(c, now)
	r.RegisterRunningJob(c, 1, now)
	r.AddPreferredAffinity(c, affs.ResolveToken("a"))

	running, reading := r.ClearClient(c, now)
	assert.Equal(t, []uint32{1}, running.ToArray())
	assert.True(t, reading.IsEmpty())
	assert.True(t, r.GetPreferredAffinities("w1").IsEmpty())

	snap := r.Snapshot(now)
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Cleared)
	assert.Equal(t, "", snap[0].Session)

	// the cleared client coming back with its old session counts as a
	// session change with nothing to release
	running, _, _ = r.Touch(c, now)
	assert.True(t, running.IsEmpty())
}

func Test_ClientType_String(t *testing.T) {
	assert.Equal(t, "unknown", ClientType(0).String())
	assert.Equal(t, "submitter | reader", (ClientSubmitter | ClientReader).String())
}
