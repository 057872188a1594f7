package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"telecall/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []domain.PcmFrame
	err    error
}

func (s *recordingSink) OnFrame(frame domain.PcmFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return s.err
}

func (s *recordingSink) Frames() []domain.PcmFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PcmFrame{}, s.frames...)
}

// scriptedStats replays samples in order; a nil entry means unavailable.
// Once the script runs out the last entry repeats.
type scriptedStats struct {
	mu     sync.Mutex
	script []*domain.QualitySample
	calls  int
}

func (s *scriptedStats) push(samples ...*domain.QualitySample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, samples...)
}

func (s *scriptedStats) GetStats(ctx context.Context) (domain.QualitySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return domain.QualitySample{}, domain.ErrStatsUnavailable
	}
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	if s.script[i] == nil {
		return domain.QualitySample{}, domain.ErrStatsUnavailable
	}
	return *s.script[i], nil
}

func sample(lossRatio, rttMs float64) *domain.QualitySample {
	return &domain.QualitySample{PacketLossRatio: lossRatio, RTTMs: rttMs, JitterMs: 5}
}

type mockMedia struct {
	mock.Mock
}

func (m *mockMedia) ApplyEncodingParameters(profile domain.QualityProfile) error {
	return m.Called(profile).Error(0)
}

func (m *mockMedia) AddTrack(kind domain.TrackKind) error {
	return m.Called(kind).Error(0)
}

func (m *mockMedia) RemoveTrack(kind domain.TrackKind) error {
	return m.Called(kind).Error(0)
}

// acceptingMedia accepts everything and remembers the last profile.
type acceptingMedia struct {
	mu      sync.Mutex
	applied []domain.QualityProfile
	tracks  map[domain.TrackKind]bool
}

func (m *acceptingMedia) ApplyEncodingParameters(profile domain.QualityProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, profile)
	return nil
}

func (m *acceptingMedia) AddTrack(kind domain.TrackKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracks == nil {
		m.tracks = make(map[domain.TrackKind]bool)
	}
	m.tracks[kind] = true
	return nil
}

func (m *acceptingMedia) RemoveTrack(kind domain.TrackKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracks, kind)
	return nil
}

func (m *acceptingMedia) HasTrack(kind domain.TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks[kind]
}

// fakeEngine models the local side of a peer connection closely enough for
// the state machine: it tracks pending local and remote descriptions and
// records every call.
type fakeEngine struct {
	mu      sync.Mutex
	name    string
	offers  int
	calls   []string
	added   []string
	local   *domain.SessionDescription
	remote  *domain.SessionDescription
	failSet int // number of SetRemoteDescription calls to fail
	failAll bool
}

func newFakeEngine(name string) *fakeEngine {
	return &fakeEngine{name: name}
}

func (e *fakeEngine) record(call string) {
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create-offer")
	e.offers++
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: fmt.Sprintf("%s-offer-%d", e.name, e.offers)}, nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create-answer")
	if e.remote == nil || e.remote.Type != domain.SDPOffer {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: e.name + "-answer-to-" + e.remote.SDP}, nil
}

func (e *fakeEngine) SetLocalDescription(desc domain.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("set-local-" + string(desc.Type))
	d := desc
	e.local = &d
	return nil
}

func (e *fakeEngine) SetRemoteDescription(desc domain.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("set-remote-" + string(desc.Type))
	if e.failAll || e.failSet > 0 {
		if e.failSet > 0 {
			e.failSet--
		}
		return errors.New("malformed description")
	}
	d := desc
	e.remote = &d
	return nil
}

func (e *fakeEngine) AddICECandidate(c domain.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("add-candidate")
	e.added = append(e.added, c.Candidate)
	return nil
}

func (e *fakeEngine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("rollback")
	e.local = nil
	return nil
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.calls...)
}

func (e *fakeEngine) Added() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.added...)
}

func (e *fakeEngine) Count(call string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == call {
			n++
		}
	}
	return n
}

// outbox captures sent messages so a test can deliver them when it likes.
type outbox struct {
	mu      sync.Mutex
	sent    []domain.SignalMessage
	handler func(domain.SignalMessage)
	err     error
}

func (o *outbox) Send(ctx context.Context, msg domain.SignalMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) OnMessage(handler func(domain.SignalMessage)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handler = handler
}

// Deliver pushes msg to the registered handler as if it came off the wire.
func (o *outbox) Deliver(msg domain.SignalMessage) {
	o.mu.Lock()
	h := o.handler
	o.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// Drain returns and clears the sent messages.
func (o *outbox) Drain() []domain.SignalMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.sent
	o.sent = nil
	return out
}

func (o *outbox) Sent() []domain.SignalMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.SignalMessage{}, o.sent...)
}

type countingRenegotiator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRenegotiator) NegotiationNeeded(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingRenegotiator) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingGate struct {
	mu       sync.Mutex
	profiles []domain.QualityProfile
}

func (g *recordingGate) RequestRenegotiation(ctx context.Context, profile domain.QualityProfile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles = append(g.profiles, profile)
	return nil
}

func (g *recordingGate) Requests() []domain.QualityProfile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.QualityProfile{}, g.profiles...)
}

type countingTimer struct {
	mu      sync.Mutex
	pauses  int
	resumes int
}

func (t *countingTimer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pauses++
}

func (t *countingTimer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumes++
}

func (t *countingTimer) Counts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pauses, t.resumes
}
