package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"intake-bridge/internal/core"
	"intake-bridge/internal/metrics"
	"intake-bridge/internal/realtime"
	"intake-bridge/internal/telephony"
	"intake-bridge/pkg"
)

// opLog records writes to both legs in the order they happened.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeTelephony struct {
	ops    *opLog
	frames chan telephony.Frame

	mu     sync.Mutex
	media  []string
	clears int
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newFakeTelephony(ops *opLog) *fakeTelephony {
	return &fakeTelephony{ops: ops, frames: make(chan telephony.Frame, 16), done: make(chan struct{})}
}

func (f *fakeTelephony) Next() (telephony.Frame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-f.done:
		return telephony.Frame{}, io.EOF
	}
}

func (f *fakeTelephony) SendMedia(streamSID, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, streamSID+":"+payload)
	f.ops.add("tel:media")
	return nil
}

func (f *fakeTelephony) SendClear(streamSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.ops.add("tel:clear")
	return nil
}

func (f *fakeTelephony) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeTelephony) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTelephony) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeTelephony) sentMedia() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.media...)
}

type fakeModel struct {
	ops    *opLog
	events chan realtime.ServerEvent

	mu     sync.Mutex
	sent   []realtime.ClientEvent
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newFakeModel(ops *opLog) *fakeModel {
	return &fakeModel{ops: ops, events: make(chan realtime.ServerEvent, 16), done: make(chan struct{})}
}

func (m *fakeModel) Next() (realtime.ServerEvent, error) {
	select {
	case ev := <-m.events:
		return ev, nil
	case <-m.done:
		return realtime.ServerEvent{}, io.EOF
	}
}

func (m *fakeModel) Send(ev realtime.ClientEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("model leg closed")
	}
	m.sent = append(m.sent, ev)
	m.ops.add("model:" + ev.Type)
	return nil
}

func (m *fakeModel) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}

func (m *fakeModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeModel) sentEvents() []realtime.ClientEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]realtime.ClientEvent(nil), m.sent...)
}

// spoken returns the verbatim texts the model was told to say.
func (m *fakeModel) spoken() []string {
	var out []string
	for _, ev := range m.sentEvents() {
		if ev.Type != realtime.TypeItemCreate || ev.Item == nil {
			continue
		}
		out = append(out, ev.Item.Text())
	}
	return out
}

func (m *fakeModel) count(typ string) int {
	n := 0
	for _, ev := range m.sentEvents() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu        sync.Mutex
	messages  []pkg.Message
	merged    []map[string]string
	completed []string
}

func (s *fakeStore) AppendMessage(_ context.Context, msg pkg.Message) (*pkg.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = int64(len(s.messages) + 1)
	s.messages = append(s.messages, msg)
	return &msg, nil
}

func (s *fakeStore) MergeClinicalFields(_ context.Context, _ string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = append(s.merged, fields)
	return nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, conversationID)
	return nil
}

func (s *fakeStore) completedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type fakeExtractor struct {
	fn func(text string) map[string]string
}

func (e fakeExtractor) ExtractFields(_ context.Context, text string) (map[string]string, error) {
	if e.fn == nil {
		return nil, nil
	}
	return e.fn(text), nil
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (s fakeSummarizer) Summarize(context.Context, []pkg.Message) (string, error) {
	return s.summary, s.err
}

type harness struct {
	t       *testing.T
	ops     *opLog
	tel     *fakeTelephony
	model   *fakeModel
	store   *fakeStore
	metrics *metrics.Metrics
	ctl     *Controller
}

type harnessOption func(*Dependencies)

func withExtractor(fn func(string) map[string]string) harnessOption {
	return func(d *Dependencies) { d.Extractor = fakeExtractor{fn: fn} }
}

func withSummarizer(s fakeSummarizer) harnessOption {
	return func(d *Dependencies) { d.Summarizer = s }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ops := &opLog{}
	h := &harness{
		t:       t,
		ops:     ops,
		tel:     newFakeTelephony(ops),
		model:   newFakeModel(ops),
		store:   &fakeStore{},
		metrics: metrics.New("test"),
	}
	deps := Dependencies{
		Store:      h.store,
		Extractor:  fakeExtractor{},
		Summarizer: fakeSummarizer{summary: "You told me about your cough."},
		Dial: func(context.Context) (ModelLeg, error) {
			return h.model, nil
		},
		Script:  core.DefaultScript(),
		Metrics: h.metrics,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: Config{
			GreetingFallback: time.Hour,
			CloseGrace:       time.Millisecond,
			DrainTimeout:     time.Second,
		},
		NewID: func() string { return "sess-1" },
	}
	for _, o := range opts {
		o(&deps)
	}
	ctl, err := New(deps, h.tel, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctl = ctl
	t.Cleanup(func() {
		if ctl.greetTimer != nil {
			ctl.greetTimer.Stop()
		}
		if ctl.graceTimer != nil {
			ctl.graceTimer.Stop()
		}
		ctl.tasks.Wait()
		_ = h.model.Close()
		_ = h.tel.Close()
	})
	return h
}

func (h *harness) openModel() {
	h.ctl.dispatch(event{kind: evModelOpened, leg: h.model})
}

func (h *harness) startStream(params map[string]string) {
	h.ctl.dispatch(event{kind: evTelephonyFrame, frame: telephony.Frame{
		Event:     telephony.EventStart,
		StreamSID: "MZ1",
		Start:     &telephony.Start{StreamSID: "MZ1", CallSID: "CA1", CustomParameters: params},
	}})
}

func (h *harness) modelEvent(ev realtime.ServerEvent) {
	h.ctl.dispatch(event{kind: evModelEvent, model: ev})
}

func (h *harness) responseCreated(id string) {
	h.modelEvent(realtime.ServerEvent{Type: realtime.TypeResponseCreated, Response: &realtime.Response{ID: id}})
}

func (h *harness) responseDone(id string) {
	h.modelEvent(realtime.ServerEvent{Type: realtime.TypeResponseDone, Response: &realtime.Response{ID: id}})
}

func (h *harness) assistantItem(responseID, itemID, status, text string) {
	h.modelEvent(realtime.ServerEvent{
		Type:       realtime.TypeOutputItemDone,
		ResponseID: responseID,
		Item: &realtime.Item{
			ID:      itemID,
			Type:    "message",
			Role:    realtime.RoleAssistant,
			Status:  status,
			Content: []realtime.ContentPart{{Type: "audio", Transcript: text}},
		},
	})
}

func (h *harness) callerSays(text string) {
	h.modelEvent(realtime.ServerEvent{Type: realtime.TypeTranscriptDone, Transcript: text})
}

// settle runs background tasks to completion and feeds what they posted
// back through the loop until nothing is left.
func (h *harness) settle() {
	for {
		h.ctl.tasks.Wait()
		select {
		case ev := <-h.ctl.events:
			h.ctl.dispatch(ev)
		default:
			return
		}
	}
}

// awaitPhase dispatches loop events, timers included, until the session
// reaches phase.
func (h *harness) awaitPhase(phase Phase) {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for h.ctl.sess.Phase != phase {
		select {
		case ev := <-h.ctl.events:
			h.ctl.dispatch(ev)
		case <-deadline:
			h.t.Fatalf("timed out in phase %s waiting for %s", h.ctl.sess.Phase, phase)
		}
	}
}

// greeted brings the call to AWAITING_CONSENT the way a live call gets
// there: model ready, stream started, greeting spoken and echoed back.
func (h *harness) greeted() {
	h.t.Helper()
	h.openModel()
	h.startStream(map[string]string{telephony.ConversationParam: "conv-1"})
	h.modelEvent(realtime.ServerEvent{Type: realtime.TypeSessionUpdated})
	h.responseCreated("resp_greet")
	h.assistantItem("resp_greet", "item_greet", "completed", core.OpeningLine)
	h.responseDone("resp_greet")
	if got := h.ctl.sess.Phase; got != PhaseAwaitingConsent {
		h.t.Fatalf("phase=%s, want %s", got, PhaseAwaitingConsent)
	}
}

func (h *harness) assistantLines() []string {
	var out []string
	for _, m := range h.ctl.sess.Transcript {
		if m.Role == pkg.RoleAssistant {
			out = append(out, m.Content)
		}
	}
	return out
}
