package call

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []sent
	handlers map[string][]core.Handler
	err      error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: map[string][]core.Handler{}}
}

func (c *fakeChannel) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sent{event, payload})
	return nil
}

func (c *fakeChannel) On(event string, h core.Handler) func() {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, event)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) emit(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.mu.Lock()
	hs := append([]core.Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (c *fakeChannel) byEvent(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, s := range c.sent {
		if s.event == event {
			out = append(out, s.payload)
		}
	}
	return out
}

type fakeBridge struct {
	mu      sync.Mutex
	joins   int
	leaves  int
	joinErr error
	present bool
	camera  *bool
}

func (b *fakeBridge) Join(context.Context, domain.RoomID, domain.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins++
	return b.joinErr
}

func (b *fakeBridge) Leave(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaves++
	return nil
}

func (b *fakeBridge) PeerPresent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.present
}

func (b *fakeBridge) SetCameraEnabled(on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.camera = &on
	return nil
}

func (b *fakeBridge) counts() (joins, leaves int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joins, b.leaves
}

type fakeRinger struct {
	mu      sync.Mutex
	ringing bool
	kinds   []RingKind
}

func (r *fakeRinger) Start(k RingKind) {
	r.mu.Lock()
	r.ringing = true
	r.kinds = append(r.kinds, k)
	r.mu.Unlock()
}

func (r *fakeRinger) Stop() {
	r.mu.Lock()
	r.ringing = false
	r.mu.Unlock()
}

func (r *fakeRinger) isRinging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

type fakeNotifier struct {
	mu   sync.Mutex
	seen []Notification
}

func (n *fakeNotifier) Notify(nt Notification) {
	n.mu.Lock()
	n.seen = append(n.seen, nt)
	n.mu.Unlock()
}

func (n *fakeNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.seen...)
}

type update struct {
	status   string
	duration time.Duration
}

type fakeRecorder struct {
	mu      sync.Mutex
	created []domain.CallRecord
	updates []update
}

func (r *fakeRecorder) CallCreated(rec domain.CallRecord) {
	r.mu.Lock()
	r.created = append(r.created, rec)
	r.mu.Unlock()
}

func (r *fakeRecorder) CallUpdated(_ domain.CallID, status string, d time.Duration) {
	r.mu.Lock()
	r.updates = append(r.updates, update{status, d})
	r.mu.Unlock()
}

type tickLog struct {
	mu   sync.Mutex
	last time.Duration
	n    int
}

func (l *tickLog) record(d time.Duration) {
	l.mu.Lock()
	l.last = d
	l.n++
	l.mu.Unlock()
}

func (l *tickLog) get() (time.Duration, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.n
}

type harness struct {
	m      *Machine
	ch     *fakeChannel
	media  *fakeBridge
	ring   *fakeRinger
	notes  *fakeNotifier
	rec    *fakeRecorder
	ticks  *tickLog
	clock  *clock.Mock
	detach func()
}

var (
	me  = domain.User{ID: "u1", Username: "Ann"}
	bob = domain.User{ID: "u2", Username: "Bob"}
)

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ch:    newFakeChannel(),
		media: &fakeBridge{},
		ring:  &fakeRinger{},
		notes: &fakeNotifier{},
		rec:   &fakeRecorder{},
		ticks: &tickLog{},
		clock: clock.NewMock(),
	}
	h.m = New(me, h.ch, h.media, append([]Option{
		WithClock(h.clock),
		WithRinger(h.ring),
		WithNotifier(h.notes),
		WithRecorder(h.rec),
		WithTickListener(h.ticks.record),
	}, opts...)...)
	h.detach = h.m.Attach(h.ch)
	return h
}

func (h *harness) incoming(t *testing.T, id domain.CallID) {
	t.Helper()
	h.ch.emit(t, core.EventCallOffer, core.CallOffer{
		CallID: id, RoomID: "room_" + domain.RoomID(id), CallerID: bob.ID, CallerName: bob.Username, CalleeID: me.ID, CallType: domain.CallVideo,
	})
	require.Equal(t, domain.CallIncoming, h.m.State())
}

func (h *harness) connected(t *testing.T) {
	t.Helper()
	h.media.present = true
	h.incoming(t, "c1")
	require.NoError(t, h.m.Accept(context.Background()))
	require.Equal(t, domain.CallConnected, h.m.State())
}

var idPattern = regexp.MustCompile(`^call_\d+_[0-9a-z]{9}$`)

func TestOutgoingRejectedBusy(t *testing.T) {
	h := newHarness(t)

	sess, err := h.m.StartCall(bob, domain.CallVideo)
	require.NoError(t, err)
	offers := h.ch.byEvent(core.EventCallOffer)
	require.Len(t, offers, 1)
	offer := offers[0].(core.CallOffer)
	assert.Regexp(t, idPattern, string(offer.CallID))
	assert.Equal(t, sess.CallID, offer.CallID)
	assert.Equal(t, bob.ID, offer.CalleeID)
	assert.True(t, h.ring.isRinging())
	assert.Equal(t, []RingKind{RingOutgoing}, h.ring.kinds)

	h.ch.emit(t, core.EventCallRejected, core.CallResponse{CallID: offer.CallID, Reason: domain.ReasonBusy})

	assert.Equal(t, domain.CallIdle, h.m.State())
	_, active := h.m.Current()
	assert.False(t, active)
	assert.False(t, h.ring.isRinging())
	assert.False(t, h.m.TimersActive())

	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.ReasonBusy, notes[0].Reason)
	assert.Equal(t, domain.CallEnded, notes[0].Call.State)
	var rej *domain.SignalingRejectedError
	require.ErrorAs(t, notes[0].Err, &rej)
	assert.Equal(t, domain.ReasonBusy, rej.Reason)

	joins, leaves := h.media.counts()
	assert.Zero(t, joins)
	assert.Zero(t, leaves)
	require.Len(t, h.rec.created, 1)
	assert.Equal(t, domain.CallRecordRejected, h.rec.updates[len(h.rec.updates)-1].status)
}

func TestIncomingAcceptConnectsAndTicks(t *testing.T) {
	h := newHarness(t)
	h.media.present = true
	h.incoming(t, "c1")
	assert.Equal(t, []RingKind{RingIncoming}, h.ring.kinds)

	require.NoError(t, h.m.Accept(context.Background()))

	responses := h.ch.byEvent(core.EventCallResponse)
	require.Len(t, responses, 1)
	resp := responses[0].(core.CallResponse)
	assert.Equal(t, core.ResponseAccepted, resp.Response)
	assert.Equal(t, domain.CallID("c1"), resp.CallID)
	assert.Equal(t, bob.ID, resp.CallerID)

	assert.Equal(t, domain.CallConnected, h.m.State())
	assert.False(t, h.ring.isRinging())
	joins, _ := h.media.counts()
	assert.Equal(t, 1, joins)

	last, n := h.ticks.get()
	assert.Equal(t, time.Duration(0), last)
	assert.Equal(t, 1, n)

	for want := 1; want <= 3; want++ {
		h.clock.Add(time.Second)
		expect := time.Duration(want) * time.Second
		assert.Eventually(t, func() bool {
			d, _ := h.ticks.get()
			return d == expect
		}, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, 3*time.Second, h.m.Duration())
}

func TestPeerLeftAfter42Seconds(t *testing.T) {
	h := newHarness(t)
	h.connected(t)

	h.clock.Add(42 * time.Second)
	assert.Equal(t, 42*time.Second, h.m.Duration())

	h.m.OnPeerLeft(bob.ID)

	assert.Equal(t, domain.CallIdle, h.m.State())
	assert.False(t, h.m.TimersActive())
	_, leaves := h.media.counts()
	assert.Equal(t, 1, leaves)

	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.ReasonPeerLeft, notes[0].Reason)
	assert.Equal(t, 42*time.Second, notes[0].Call.Duration(h.clock.Now()))
	final := h.rec.updates[len(h.rec.updates)-1]
	assert.Equal(t, update{domain.CallRecordEnded, 42 * time.Second}, final)

	// the ticker is gone: advancing time produces no further ticks
	time.Sleep(10 * time.Millisecond)
	_, before := h.ticks.get()
	h.clock.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	_, after := h.ticks.get()
	assert.Equal(t, before, after)
}

func TestSecondOfferDuringConnectingIsRejectedBusy(t *testing.T) {
	h := newHarness(t)
	h.incoming(t, "c1")
	require.NoError(t, h.m.Accept(context.Background()))
	require.Equal(t, domain.CallConnecting, h.m.State())

	h.ch.emit(t, core.EventCallOffer, core.CallOffer{CallID: "c2", RoomID: "room_c2", CallerID: "u3", CalleeID: me.ID})

	cur, ok := h.m.Current()
	require.True(t, ok)
	assert.Equal(t, domain.CallID("c1"), cur.CallID)
	assert.Equal(t, domain.CallConnecting, cur.State)

	responses := h.ch.byEvent(core.EventCallResponse)
	require.Len(t, responses, 2)
	busy := responses[1].(core.CallResponse)
	assert.Equal(t, domain.CallID("c2"), busy.CallID)
	assert.Equal(t, core.ResponseRejected, busy.Response)
	assert.Equal(t, domain.ReasonBusy, busy.Reason)
	assert.Empty(t, h.notes.all())

	h.m.OnPeerJoined(bob)
	assert.Equal(t, domain.CallConnected, h.m.State())
}

func TestStartCallWhileActiveIsInvalid(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.StartCall(bob, domain.CallVideo)
	require.NoError(t, err)

	_, err = h.m.StartCall(domain.User{ID: "u3"}, domain.CallVideo)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Len(t, h.ch.byEvent(core.EventCallOffer), 1)
	cur, _ := h.m.Current()
	assert.Equal(t, bob.ID, cur.PeerID)
}

func TestStartCallSendFailureCreatesNoSession(t *testing.T) {
	h := newHarness(t)
	h.ch.err = &domain.TransportError{Reason: domain.TransportNotConnected}
	_, err := h.m.StartCall(bob, domain.CallVideo)
	require.Error(t, err)
	assert.Equal(t, domain.CallIdle, h.m.State())
	assert.False(t, h.ring.isRinging())
	assert.False(t, h.m.TimersActive())
	assert.Empty(t, h.notes.all())
}

func TestOutgoingRingTimeout(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.StartCall(bob, domain.CallVideo)
	require.NoError(t, err)

	h.clock.Add(29 * time.Second)
	assert.Equal(t, domain.CallOutgoing, h.m.State())

	h.clock.Add(time.Second)
	assert.Eventually(t, func() bool { return h.m.State() == domain.CallIdle }, time.Second, 5*time.Millisecond)

	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.ReasonNoAnswer, notes[0].Reason)
	assert.ErrorIs(t, notes[0].Err, domain.ErrSignalingTimeout)
	ended := h.ch.byEvent(core.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.ReasonNoAnswer, ended[0].(core.CallEnd).Reason)
	assert.False(t, h.ring.isRinging())

	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, h.notes.all(), 1)
}

func TestIncomingRingTimeoutRejectsNoAnswer(t *testing.T) {
	h := newHarness(t)
	h.incoming(t, "c1")
	h.clock.Add(30 * time.Second)
	assert.Eventually(t, func() bool { return h.m.State() == domain.CallIdle }, time.Second, 5*time.Millisecond)
	responses := h.ch.byEvent(core.EventCallResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, domain.ReasonNoAnswer, responses[0].(core.CallResponse).Reason)
	assert.Len(t, h.notes.all(), 1)
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	h := newHarness(t, WithConfig(Config{RingTimeout: 5 * time.Second}))
	h.incoming(t, "c1")
	h.clock.Add(4 * time.Second)
	assert.Equal(t, domain.CallIncoming, h.m.State())
	h.clock.Add(time.Second)
	assert.Eventually(t, func() bool { return h.m.State() == domain.CallIdle }, time.Second, 5*time.Millisecond)

	// the tick interval falls back to one second
	h.media.present = true
	h.incoming(t, "c2")
	require.NoError(t, h.m.Accept(context.Background()))
	require.Equal(t, domain.CallConnected, h.m.State())
	h.clock.Add(time.Second)
	assert.Eventually(t, func() bool {
		d, _ := h.ticks.get()
		return d == time.Second
	}, time.Second, 5*time.Millisecond)
}

func TestAcceptedCallRingTimerDoesNotFire(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.StartCall(bob, domain.CallVideo)
	require.NoError(t, err)
	cur, _ := h.m.Current()
	h.ch.emit(t, core.EventCallAccepted, core.CallResponse{CallID: cur.CallID})
	require.Equal(t, domain.CallConnecting, h.m.State())

	h.m.OnPeerJoined(bob)
	require.Equal(t, domain.CallConnected, h.m.State())

	h.clock.Add(45 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, domain.CallConnected, h.m.State())
	assert.Empty(t, h.notes.all())
}

func TestConnectTimeoutFailsPeerUnreachable(t *testing.T) {
	h := newHarness(t)
	h.incoming(t, "c1")
	require.NoError(t, h.m.Accept(context.Background()))
	require.Equal(t, domain.CallConnecting, h.m.State())

	h.clock.Add(30 * time.Second)
	assert.Eventually(t, func() bool { return h.m.State() == domain.CallIdle }, time.Second, 5*time.Millisecond)

	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.ReasonPeerUnreachable, notes[0].Reason)
	assert.Equal(t, domain.CallFailed, notes[0].Call.State)
	_, leaves := h.media.counts()
	assert.Equal(t, 1, leaves)
	require.Len(t, h.ch.byEvent(core.EventCallFailed), 1)
}

func TestJoinFailureSemantics(t *testing.T) {
	cases := []struct {
		name     string
		reason   domain.MediaErrorReason
		attempts int
	}{
		{"permission fails fast", domain.MediaPermissionDenied, 1},
		{"unsupported fails fast", domain.MediaUnsupported, 1},
		{"join-failed joins once", domain.MediaJoinFailed, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.media.joinErr = &domain.MediaSessionError{Reason: tc.reason}
			h.incoming(t, "c1")
			require.NoError(t, h.m.Accept(context.Background()))

			assert.Equal(t, domain.CallIdle, h.m.State())
			joins, leaves := h.media.counts()
			assert.Equal(t, tc.attempts, joins)
			assert.Equal(t, 1, leaves)

			notes := h.notes.all()
			require.Len(t, notes, 1)
			assert.Equal(t, domain.ReasonMediaSession, notes[0].Reason)
			got, _ := domain.MediaReason(notes[0].Err)
			assert.Equal(t, tc.reason, got)

			failed := h.ch.byEvent(core.EventCallFailed)
			require.Len(t, failed, 1)
			assert.Equal(t, domain.ReasonMediaSession, failed[0].(core.CallEnd).Reason)
			assert.False(t, h.m.TimersActive())
		})
	}
}

func TestConcurrentTerminationReachesOneTerminalState(t *testing.T) {
	h := newHarness(t)
	h.connected(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _ = h.m.End() }()
		go func() { defer wg.Done(); h.m.OnPeerLeft(bob.ID) }()
		go func() { defer wg.Done(); h.m.HandleEnded(core.CallEnd{CallID: "c1"}) }()
	}
	wg.Wait()

	assert.Equal(t, domain.CallIdle, h.m.State())
	assert.Len(t, h.notes.all(), 1)
	_, leaves := h.media.counts()
	assert.Equal(t, 1, leaves)
}

func TestTransportLossFailsActiveCall(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.StartCall(bob, domain.CallVideo)
	require.NoError(t, err)

	h.ch.emit(t, core.EventConnection, core.ConnectionStatus{State: core.ConnReconnecting, Attempt: 1})
	assert.Equal(t, domain.CallOutgoing, h.m.State())

	h.ch.emit(t, core.EventConnection, core.ConnectionStatus{State: core.ConnFailed, Reason: domain.TransportRetriesExhausted})
	assert.Equal(t, domain.CallIdle, h.m.State())
	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.ReasonTransportLost, notes[0].Reason)
	var te *domain.TransportError
	assert.True(t, errors.As(notes[0].Err, &te))
	assert.False(t, h.ring.isRinging())
}

func TestRemoteCancelWhileRinging(t *testing.T) {
	h := newHarness(t)
	h.incoming(t, "c1")
	h.ch.emit(t, core.EventCallEnded, core.CallEnd{CallID: "other"})
	assert.Equal(t, domain.CallIncoming, h.m.State())

	h.ch.emit(t, core.EventCallEnded, core.CallEnd{CallID: "c1"})
	assert.Equal(t, domain.CallIdle, h.m.State())
	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.ReasonCancelled, notes[0].Reason)
	_, leaves := h.media.counts()
	assert.Zero(t, leaves)
}

func TestLocalRejectAndEnd(t *testing.T) {
	h := newHarness(t)
	h.incoming(t, "c1")
	require.NoError(t, h.m.Reject())
	resp := h.ch.byEvent(core.EventCallResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, domain.ReasonDeclined, resp[0].(core.CallResponse).Reason)
	assert.ErrorIs(t, h.m.Reject(), domain.ErrInvalidState)

	_, err := h.m.StartCall(bob, domain.CallAudio)
	require.NoError(t, err)
	require.NoError(t, h.m.End())
	ended := h.ch.byEvent(core.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.ReasonCancelled, ended[0].(core.CallEnd).Reason)
	assert.Len(t, h.notes.all(), 2)
	assert.ErrorIs(t, h.m.End(), domain.ErrInvalidState)
}

func TestAudioCallDisablesCamera(t *testing.T) {
	h := newHarness(t)
	h.ch.emit(t, core.EventCallOffer, core.CallOffer{CallID: "c1", RoomID: "r1", CallerID: bob.ID, CallType: domain.CallAudio})
	require.NoError(t, h.m.Accept(context.Background()))
	require.NotNil(t, h.media.camera)
	assert.False(t, *h.media.camera)
}

func TestDetachStopsDelivery(t *testing.T) {
	h := newHarness(t)
	h.detach()
	h.ch.emit(t, core.EventCallOffer, core.CallOffer{CallID: "c1", CallerID: bob.ID})
	assert.Equal(t, domain.CallIdle, h.m.State())
}
