package rns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *Transport) {
	t.Helper()
	tr := NewTransport(NewKnownDestinations(64), NewPathTable(64))
	return NewScheduler(tr, time.Millisecond), tr
}

func TestSchedulerTickClosesStaleLinks(t *testing.T) {
	sched, tr := newTestScheduler(t)
	initiator, _ := setupLinkPairForScheduler(t)
	tr.RegisterLink(initiator)
	sched.TrackLink(initiator)

	// Link.Tick makes one transition per call: the first scheduler tick
	// marks the idle link STALE, the next one closes it.
	require.NoError(t, sched.Tick(context.Background(), time.Now().Add(3*time.Hour)))
	require.Equal(t, LinkStale, initiator.State())

	err := sched.Tick(context.Background(), time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, LinkClosed, initiator.State())
}

func TestSchedulerTickRotatesRatchet(t *testing.T) {
	sched, _ := newTestScheduler(t)
	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, id.EnableRatchet(time.Minute, time.Minute))
	sched.TrackIdentity(id)

	before, ok := id.CurrentRatchetPublic()
	require.True(t, ok)

	err = sched.Tick(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	after, ok := id.CurrentRatchetPublic()
	require.True(t, ok)
	require.NotEqual(t, before, after)
}

func TestSchedulerTickReturnsShuttingDown(t *testing.T) {
	sched, _ := newTestScheduler(t)
	sched.Shutdown()
	err := sched.Tick(context.Background(), time.Now())
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestSchedulerServicesResourceWindow(t *testing.T) {
	sched, _ := newTestScheduler(t)
	initiator, _ := setupLinkPairForScheduler(t)

	res, _, err := NewOutgoingResource([]byte("hello resource world"), time.Now())
	require.NoError(t, err)
	sched.TrackResource(res, initiator, 0x00)

	err = sched.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, len(sched.resources))
}

func TestSchedulerSendsKeepaliveWhenLinkIdle(t *testing.T) {
	sched, tr := newTestScheduler(t)
	initiator, _ := setupLinkPairForScheduler(t)
	iface := newMemInterface("only")
	tr.RegisterInterface(iface)
	tr.RegisterLink(initiator)
	ch := NewChannel(initiator, 8)
	sched.TrackLink(initiator, ch)

	keepalive, _, _ := initiator.Timings()
	err := sched.Tick(context.Background(), time.Now().Add(keepalive+time.Second))
	require.NoError(t, err)
	require.NotEmpty(t, iface.Sent())
}

func TestSchedulerAnnouncesRatchetRotationOverTrackedLink(t *testing.T) {
	sched, tr := newTestScheduler(t)
	initiator, responder := setupLinkPairForScheduler(t)
	iface := newMemInterface("only")
	tr.RegisterInterface(iface)
	tr.RegisterLink(initiator)

	require.NoError(t, initiator.LocalDest.Identity.EnableRatchet(time.Minute, time.Minute))
	sched.TrackIdentity(initiator.LocalDest.Identity)
	ch := NewChannel(initiator, 8)
	sched.TrackLink(initiator, ch)
	_ = responder

	err := sched.Tick(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, iface.Sent())
}

// setupLinkPairForScheduler mirrors setupLinkPair from link_test.go; kept
// separate so scheduler tests don't depend on link_test.go internals beyond
// what is already package-shared.
func setupLinkPairForScheduler(t *testing.T) (*Link, *Link) {
	return setupLinkPair(t)
}
