package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/adapters/roster"
	"github.com/dkeye/voicemesh/internal/app/hub"
	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/app/media/mediatest"
	"github.com/dkeye/voicemesh/internal/app/peers"
	"github.com/dkeye/voicemesh/internal/app/peers/peerstest"
	"github.com/dkeye/voicemesh/internal/app/speaking"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const room = domain.ChannelKey("room")

var waitFor = 2 * time.Second

// recordingStore counts flag updates on top of the in-memory roster.
type recordingStore struct {
	*roster.InMemoryRosterStore

	mu      sync.Mutex
	updates []domain.ParticipantFlags
}

func (s *recordingStore) Update(ctx context.Context, channel domain.ChannelKey, user domain.UserID, flags domain.ParticipantFlags) error {
	s.mu.Lock()
	s.updates = append(s.updates, flags)
	s.mu.Unlock()
	return s.InMemoryRosterStore.Update(ctx, channel, user, flags)
}

func (s *recordingStore) Updates() []domain.ParticipantFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ParticipantFlags(nil), s.updates...)
}

type failingRelay struct{ err error }

func (r failingRelay) Open(context.Context, domain.ChannelKey, domain.UserID) (core.Channel, error) {
	return nil, r.err
}

type env struct {
	hub   *hub.Hub
	relay core.Relay
	store *recordingStore
}

func newEnv() *env {
	h := hub.New(nil)
	return &env{
		hub:   h,
		relay: hub.NewLocalRelay(h, 0),
		store: &recordingStore{InMemoryRosterStore: roster.NewInMemoryRosterStore()},
	}
}

type client struct {
	*Controller
	capturer *mediatest.Capturer
	factory  *peerstest.Factory
}

func (e *env) client(t *testing.T, self domain.UserID) *client {
	t.Helper()
	cl := &client{capturer: &mediatest.Capturer{}, factory: peerstest.NewFactory()}
	cl.Controller = New(Config{
		Self:         self,
		Relay:        e.relay,
		Roster:       e.store,
		Capture:      media.NewCapture(cl.capturer),
		Factory:      cl.factory,
		Speaking:     speaking.DefaultConfig(),
		PollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = cl.Close(context.Background()) })
	return cl
}

// current returns the live session, read on the loop.
func current(t *testing.T, c *client) *active {
	t.Helper()
	var sess *active
	require.NoError(t, c.exec(context.Background(), func() error {
		sess = c.sess
		return nil
	}))
	require.NotNil(t, sess)
	return sess
}

func workersExited(t *testing.T, sess *active) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		sess.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("ticker or channel watcher still running")
	}
}

func waitNotice(t *testing.T, c *client, kind NoticeKind) Notice {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case n := <-c.Notices():
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("no %s notice", kind)
			return Notice{}
		}
	}
}

// speak pushes loud noise into src until the returned func is called.
func speak(src *mediatest.Source) (stop func()) {
	r := rand.New(rand.NewPCG(1, 2))
	quit, done := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case <-time.After(2 * time.Millisecond):
			}
			pcm := make([]int16, speaking.FFTSize*2)
			for i := range pcm {
				pcm[i] = int16((r.Float64()*2 - 1) * 0.5 * 32767)
			}
			src.Push(pcm)
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

func speakingNow(c *client, user domain.UserID) bool {
	return slices.Contains(c.State().Speaking, user)
}

func linkTo(st State, peer domain.UserID) (peers.LinkInfo, bool) {
	for _, l := range st.Links {
		if l.Peer == peer {
			return l, true
		}
	}
	return peers.LinkInfo{}, false
}

func (e *env) rows(t *testing.T) []domain.UserID {
	t.Helper()
	rows, err := e.store.List(context.Background(), room)
	require.NoError(t, err)
	ids := make([]domain.UserID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	return ids
}

// joinPair joins a then b and waits for the a→b link to finish negotiating.
func joinPair(t *testing.T, e *env) (*client, *client) {
	t.Helper()
	ctx := context.Background()
	a, b := e.client(t, "a"), e.client(t, "b")
	require.NoError(t, a.Join(ctx, room))
	require.NoError(t, b.Join(ctx, room))
	require.Eventually(t, func() bool {
		conn := a.factory.Last("b")
		return conn != nil && conn.HasRemoteDescription() && b.factory.Last("a") != nil
	}, waitFor, time.Millisecond)
	return a, b
}

func TestJoinPairOnlyEarlierMemberInitiates(t *testing.T) {
	e := newEnv()
	a, b := joinPair(t, e)

	assert.Equal(t, domain.StateConnected, a.State().Conn)
	assert.Equal(t, room, a.State().Channel)

	require.Eventually(t, func() bool {
		la, okA := linkTo(a.State(), "b")
		lb, okB := linkTo(b.State(), "a")
		return okA && okB && la.Role == peers.RoleInitiator && lb.Role == peers.RoleResponder
	}, waitFor, time.Millisecond)

	assert.Equal(t, 1, a.factory.Last("b").Offers())
	assert.Zero(t, a.factory.Last("b").Answers())
	assert.Zero(t, b.factory.Last("a").Offers(), "the joiner never offers")
	assert.Equal(t, 1, b.factory.Last("a").Answers())
	assert.Equal(t, 1, a.factory.Count("b"))
	assert.Equal(t, 1, b.factory.Count("a"))

	assert.ElementsMatch(t, []domain.UserID{"a", "b"}, e.rows(t))
	assert.ElementsMatch(t, []domain.UserID{"a", "b"}, e.hub.Members(room))
}

func TestAbruptLeaveClosesLink(t *testing.T) {
	e := newEnv()
	a, b := joinPair(t, e)

	// b vanishes without Leave: only its signaling channel goes away.
	require.NoError(t, b.exec(context.Background(), func() error {
		return b.sess.channel.Close()
	}))

	require.Eventually(t, func() bool {
		_, ok := linkTo(a.State(), "b")
		return !ok
	}, waitFor, time.Millisecond)
	assert.True(t, a.factory.Last("b").Closed())
	assert.Equal(t, []domain.UserID{"a"}, e.hub.Members(room))
}

func TestLeaveReleasesEverything(t *testing.T) {
	e := newEnv()
	a, b := joinPair(t, e)
	ctx := context.Background()

	sess := current(t, b)
	require.NoError(t, b.Leave(ctx))
	assert.True(t, sess.det.Stopped(), "speaking analysis released")
	workersExited(t, sess)

	st := b.State()
	assert.Equal(t, domain.StateDisconnected, st.Conn)
	assert.Empty(t, st.Links)
	assert.Empty(t, b.Streams())
	assert.True(t, b.factory.Last("a").Closed())
	assert.True(t, b.capturer.LastAudio().Closed(), "microphone released")

	require.Eventually(t, func() bool {
		_, ok := linkTo(a.State(), "b")
		return !ok && len(e.rows(t)) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, []domain.UserID{"a"}, e.rows(t))

	require.NoError(t, b.Leave(ctx), "leave is idempotent")
}

func TestLeaveWhenDisconnected(t *testing.T) {
	e := newEnv()
	c := e.client(t, "solo")
	ctx := context.Background()

	require.NoError(t, c.Leave(ctx))
	require.NoError(t, c.Leave(ctx))
	assert.Equal(t, domain.StateDisconnected, c.State().Conn)
	assert.Empty(t, c.State().Links)
	assert.Empty(t, e.store.Updates())
	assert.Empty(t, e.rows(t))
}

func TestJoinSameChannelIsNoop(t *testing.T) {
	e := newEnv()
	c := e.client(t, "a")
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, room))
	require.NoError(t, c.Join(ctx, room))
	assert.Len(t, c.capturer.Audio, 1)
	assert.Equal(t, []domain.UserID{"a"}, e.rows(t))
}

func TestJoinSwitchLeavesPreviousChannel(t *testing.T) {
	e := newEnv()
	c := e.client(t, "a")
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, room))
	require.NoError(t, c.Join(ctx, "other"))
	assert.Equal(t, domain.ChannelKey("other"), c.State().Channel)
	assert.True(t, c.capturer.Audio[0].Closed())
	assert.Empty(t, e.hub.Members(room))
	assert.Equal(t, []domain.UserID{"a"}, e.hub.Members("other"))
	require.Eventually(t, func() bool { return len(e.rows(t)) == 0 }, waitFor, time.Millisecond)
}

func TestJoinRollsBackOnTransportFailure(t *testing.T) {
	e := newEnv()
	capturer := &mediatest.Capturer{}
	c := New(Config{
		Self:     "a",
		Relay:    failingRelay{err: errors.New("dial refused")},
		Roster:   e.store,
		Capture:  media.NewCapture(capturer),
		Factory:  peerstest.NewFactory(),
		Speaking: speaking.DefaultConfig(),
	})
	defer c.Close(context.Background())

	err := c.Join(context.Background(), room)
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, domain.StateDisconnected, c.State().Conn)
	assert.Empty(t, c.State().Channel)
	assert.True(t, capturer.LastAudio().Closed())
	assert.Empty(t, e.rows(t))
}

func TestJoinRollsBackOnDeviceFailure(t *testing.T) {
	e := newEnv()
	c := e.client(t, "a")
	c.capturer.AudioErr = media.ErrPermissionDenied

	err := c.Join(context.Background(), room)
	require.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, domain.StateDisconnected, c.State().Conn)
	assert.Empty(t, e.hub.Members(room))
	assert.Empty(t, e.rows(t))

	c.capturer.AudioErr = nil
	require.NoError(t, c.Join(context.Background(), room), "a failed join leaves the controller usable")
}

func TestToggleMuteTwice(t *testing.T) {
	e := newEnv()
	c := e.client(t, "a")
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, room))

	micEnabled := func() bool {
		var on bool
		require.NoError(t, c.exec(ctx, func() error {
			on = c.sess.mic.AudioTracks()[0].Enabled()
			return nil
		}))
		return on
	}

	muted, err := c.ToggleMute(ctx)
	require.NoError(t, err)
	assert.True(t, muted)
	assert.False(t, micEnabled())

	muted, err = c.ToggleMute(ctx)
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, micEnabled())
	assert.False(t, c.State().Muted)

	require.Eventually(t, func() bool { return len(e.store.Updates()) == 2 }, waitFor, time.Millisecond)
	ups := e.store.Updates()
	require.NotNil(t, ups[0].IsMuted)
	require.NotNil(t, ups[1].IsMuted)
	assert.True(t, *ups[0].IsMuted)
	assert.False(t, *ups[1].IsMuted)

	rows, err := e.store.List(ctx, room)
	require.NoError(t, err)
	assert.False(t, rows[0].IsMuted)
}

func TestToggleBeforeJoinCarriesIntoRow(t *testing.T) {
	e := newEnv()
	c := e.client(t, "a")
	ctx := context.Background()

	deafened, err := c.ToggleDeafen(ctx)
	require.NoError(t, err)
	require.True(t, deafened)
	require.NoError(t, c.Join(ctx, room))

	rows, err := e.store.List(ctx, room)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsDeafened)
	assert.Empty(t, e.store.Updates(), "flags set before join ride on the upsert")
}

func TestScreenShareRequiresConnection(t *testing.T) {
	e := newEnv()
	c := e.client(t, "a")
	assert.ErrorIs(t, c.StartScreenShare(context.Background()), ErrNotConnected)
	require.NoError(t, c.StopScreenShare(context.Background()))
}

func TestScreenShareCancelledPickerChangesNothing(t *testing.T) {
	e := newEnv()
	a, _ := joinPair(t, e)
	a.capturer.DisplayErr = media.ErrUserCancelled

	assert.ErrorIs(t, a.StartScreenShare(context.Background()), media.ErrUserCancelled)
	assert.False(t, a.State().ScreenSharing)
	assert.Empty(t, a.factory.Last("b").Removed())
	assert.Len(t, a.factory.Last("b").Senders(), 1)
}

func TestScreenShareWithExistingVideoSenderSendsNoOffer(t *testing.T) {
	e := newEnv()
	a, _ := joinPair(t, e)
	ctx := context.Background()
	conn := a.factory.Last("b")

	require.NoError(t, a.StartScreenShare(ctx))
	assert.True(t, a.State().ScreenSharing)
	require.Eventually(t, func() bool {
		return conn.Offers() == 2 && conn.SignalingState() == webrtc.SignalingStateStable
	}, waitFor, time.Millisecond)

	// a second share swaps the source on the existing sender
	require.NoError(t, a.StartScreenShare(ctx))
	senders := conn.Senders()
	require.Len(t, senders, 2)
	assert.Equal(t, 1, senders[1].Replaced())
	assert.Equal(t, 2, conn.Offers())
	assert.True(t, a.capturer.Displays[0].Closed(), "the previous share is released")

	require.NoError(t, a.StopScreenShare(ctx))
	assert.False(t, a.State().ScreenSharing)
	assert.Len(t, conn.Removed(), 1)
	require.NoError(t, a.StopScreenShare(ctx), "stop is a no-op when not sharing")
}

func TestShareEndedByPlatformStopsShare(t *testing.T) {
	e := newEnv()
	a, _ := joinPair(t, e)
	ctx := context.Background()

	require.NoError(t, a.StartScreenShare(ctx))
	require.True(t, a.State().ScreenSharing)

	a.capturer.LastDisplay().End()

	require.Eventually(t, func() bool { return !a.State().ScreenSharing }, waitFor, time.Millisecond)
	assert.Len(t, a.factory.Last("b").Removed(), 1)

	require.Eventually(t, func() bool {
		ups := e.store.Updates()
		if len(ups) != 2 || ups[1].IsScreenSharing == nil {
			return false
		}
		return !*ups[1].IsScreenSharing
	}, waitFor, time.Millisecond)
}

func TestCloseLeavesAndRejectsFurtherCalls(t *testing.T) {
	e := newEnv()
	capturer := &mediatest.Capturer{}
	c := New(Config{
		Self:     "a",
		Relay:    e.relay,
		Roster:   e.store,
		Capture:  media.NewCapture(capturer),
		Factory:  peerstest.NewFactory(),
		Speaking: speaking.DefaultConfig(),
	})
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, room))
	require.NoError(t, c.Close(ctx))

	assert.Empty(t, e.rows(t), "pending roster delete is flushed on close")
	assert.Empty(t, e.hub.Members(room))
	assert.ErrorIs(t, c.Join(ctx, room), ErrClosed)
}

type gatedRelay struct {
	core.Relay
	entered chan struct{}
	gate    chan struct{}
}

func (r *gatedRelay) Open(ctx context.Context, key domain.ChannelKey, self domain.UserID) (core.Channel, error) {
	close(r.entered)
	<-r.gate
	return r.Relay.Open(ctx, key, self)
}

func TestLeaveDuringJoinAbortsJoin(t *testing.T) {
	e := newEnv()
	relay := &gatedRelay{Relay: e.relay, entered: make(chan struct{}), gate: make(chan struct{})}
	capturer := &mediatest.Capturer{}
	c := New(Config{
		Self:         "a",
		Relay:        relay,
		Roster:       e.store,
		Capture:      media.NewCapture(capturer),
		Factory:      peerstest.NewFactory(),
		Speaking:     speaking.DefaultConfig(),
		PollInterval: 5 * time.Millisecond,
	})
	ctx := context.Background()
	defer c.Close(ctx)

	res := make(chan error, 1)
	go func() { res <- c.Join(ctx, room) }()
	select {
	case <-relay.entered:
	case <-time.After(waitFor):
		t.Fatal("join never reached the relay")
	}
	assert.Equal(t, domain.StateConnecting, c.State().Conn)

	require.NoError(t, c.Leave(ctx))
	close(relay.gate)

	select {
	case err := <-res:
		assert.ErrorIs(t, err, ErrJoinAborted)
	case <-time.After(waitFor):
		t.Fatal("join did not return after leave")
	}
	st := c.State()
	assert.Equal(t, domain.StateDisconnected, st.Conn)
	assert.Empty(t, st.Channel)
	assert.True(t, capturer.LastAudio().Closed(), "microphone acquired mid-join is released")
	assert.Empty(t, e.hub.Members(room))
	assert.Empty(t, e.rows(t))
}

func TestMuteClearsSelfSpeaking(t *testing.T) {
	e := newEnv()
	c := e.client(t, "a")
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, room))

	stop := speak(c.capturer.LastAudio())
	defer stop()
	require.Eventually(t, func() bool { return speakingNow(c, "a") }, waitFor, time.Millisecond)

	muted, err := c.ToggleMute(ctx)
	require.NoError(t, err)
	require.True(t, muted)

	require.Eventually(t, func() bool {
		return !speakingNow(c, "a") && c.State().MicLevel < 1
	}, waitFor, time.Millisecond, "muted capture keeps self speaking")
}

func TestMicEndedStopsAnalysis(t *testing.T) {
	e := newEnv()
	c := e.client(t, "a")
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, room))
	sess := current(t, c)

	src := c.capturer.LastAudio()
	stop := speak(src)
	require.Eventually(t, func() bool { return speakingNow(c, "a") }, waitFor, time.Millisecond)

	src.End()
	stop()

	n := waitNotice(t, c, NoticeMicEnded)
	assert.ErrorIs(t, n.Err, ErrMicEnded)
	require.Eventually(t, func() bool {
		st := c.State()
		return !speakingNow(c, "a") && st.MicLevel == 0
	}, waitFor, time.Millisecond)
	assert.True(t, sess.det.Stopped())
	assert.Equal(t, domain.StateConnected, c.State().Conn, "losing the mic does not leave the channel")
}

func TestTransportLossTearsDownSession(t *testing.T) {
	e := newEnv()
	c := e.client(t, "a")
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, room))
	sess := current(t, c)

	// the relay goes away underneath the session
	require.NoError(t, sess.channel.Close())

	n := waitNotice(t, c, NoticeTransportLost)
	assert.ErrorIs(t, n.Err, ErrTransportUnavailable)
	require.Eventually(t, func() bool {
		return c.State().Conn == domain.StateDisconnected
	}, waitFor, time.Millisecond)
	assert.Empty(t, c.State().Channel)
	assert.True(t, c.capturer.LastAudio().Closed())
	assert.True(t, sess.det.Stopped())
	workersExited(t, sess)
	require.Eventually(t, func() bool { return len(e.rows(t)) == 0 }, waitFor, time.Millisecond)

	require.NoError(t, c.Join(ctx, room), "the controller can join again")
}

func TestTickFloodKeepsPresenceEvents(t *testing.T) {
	e := newEnv()
	a, b := joinPair(t, e)
	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, ok := linkTo(a.State(), "b")
		return ok
	}, waitFor, time.Millisecond)
	sess := current(t, a)

	// hold the loop so nothing drains
	held, gate := make(chan struct{}), make(chan struct{})
	go func() {
		_ = a.exec(ctx, func() error {
			close(held)
			<-gate
			return nil
		})
	}()
	<-held

	for i := 0; i < 10*a.cfg.QueueSize; i++ {
		a.post(Tick{sess: sess})
	}
	ticks := 0
	for _, ev := range a.inbox.pending() {
		if _, ok := ev.(Tick); ok {
			ticks++
		}
	}
	assert.Equal(t, 1, ticks, "pending ticks are coalesced")

	require.NoError(t, b.Leave(ctx))
	require.Eventually(t, func() bool {
		for _, ev := range a.inbox.pending() {
			if l, ok := ev.(PresenceLeave); ok && l.User == "b" {
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool {
		_, ok := linkTo(a.State(), "b")
		return !ok
	}, waitFor, time.Millisecond)
}
