// Package session bridges one phone call to the realtime model.  A
// Controller owns the call's Session and is its only writer: the telephony
// reader, the model reader, timers and background tasks all hand their
// results to the controller's event loop instead of touching state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"intake-bridge/internal/core"
	"intake-bridge/internal/metrics"
	"intake-bridge/internal/realtime"
	"intake-bridge/internal/telephony"
	"intake-bridge/pkg"
)

// Store persists the call.  Every call is best-effort.
type Store interface {
	AppendMessage(ctx context.Context, msg pkg.Message) (*pkg.Message, error)
	MergeClinicalFields(ctx context.Context, conversationID string, fields map[string]string) error
	MarkCompleted(ctx context.Context, conversationID string) error
}

// Extractor turns a caller utterance into clinical fields.
type Extractor interface {
	ExtractFields(ctx context.Context, text string) (map[string]string, error)
}

// Summarizer recaps the call for the closing turn.
type Summarizer interface {
	Summarize(ctx context.Context, transcript []pkg.Message) (string, error)
}

// TelephonyLeg is the phone side of the bridge.
type TelephonyLeg interface {
	Next() (telephony.Frame, error)
	SendMedia(streamSID, payload string) error
	SendClear(streamSID string) error
	Close() error
}

// ModelLeg is the speech-model side of the bridge.
type ModelLeg interface {
	Next() (realtime.ServerEvent, error)
	Send(ev realtime.ClientEvent) error
	Close() error
}

// Dialer opens the model leg.
type Dialer func(ctx context.Context) (ModelLeg, error)

// Config holds the per-call timings and the model session setup.
type Config struct {
	Realtime         realtime.SessionConfig
	GreetingFallback time.Duration
	CloseGrace       time.Duration
	DialTimeout      time.Duration
	TaskTimeout      time.Duration
	DrainTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.GreetingFallback <= 0 {
		c.GreetingFallback = 1500 * time.Millisecond
	}
	if c.CloseGrace < 0 {
		c.CloseGrace = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 20 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

// Dependencies are shared by every call.  Store, Extractor and Summarizer
// may be nil, in which case that collaborator is skipped.
type Dependencies struct {
	Store      Store
	Extractor  Extractor
	Summarizer Summarizer
	Dial       Dialer
	Script     core.Script
	Closing    *core.Closing
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Config     Config
	Now        func() time.Time
	NewID      func() string
}

type eventKind int

const (
	evTelephonyFrame eventKind = iota
	evTelephonyClosed
	evModelOpened
	evModelFailed
	evModelEvent
	evModelClosed
	evGreetingFallback
	evExtractionDone
	evSummaryDone
	evCloseGrace
)

type event struct {
	kind   eventKind
	frame  telephony.Frame
	model  realtime.ServerEvent
	leg    ModelLeg
	err    error
	fields map[string]string
	text   string
}

// Controller runs one call.
type Controller struct {
	store      Store
	extractor  Extractor
	summarizer Summarizer
	dial       Dialer
	script     core.Script
	closing    *core.Closing
	metrics    *metrics.Metrics
	log        *slog.Logger
	readerLog  *slog.Logger
	cfg        Config
	now        func() time.Time

	sess     *Session
	tel      TelephonyLeg
	model    ModelLeg
	queryRef string

	events chan event
	done   chan struct{}
	tasks  *taskGroup

	handlers          map[eventKind]func(event)
	telephonyHandlers map[string]func(telephony.Frame)
	modelHandlers     map[string]func(realtime.ServerEvent)

	greetTimer *time.Timer
	graceTimer *time.Timer
	fatal      error
}

// New prepares a controller for a freshly attached telephony leg.
// queryRef is the conversation id from the connection URL, used when the
// start frame does not carry one.
func New(deps Dependencies, tel TelephonyLeg, queryRef string) (*Controller, error) {
	if tel == nil {
		return nil, errors.New("session: telephony leg is required")
	}
	if deps.Dial == nil {
		return nil, errors.New("session: model dialer is required")
	}
	closing := deps.Closing
	if closing == nil {
		var err error
		if closing, err = core.NewClosing(deps.Script); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	cfg := deps.Config
	cfg.setDefaults()
	if cfg.Realtime.Instructions == "" {
		cfg.Realtime.Instructions = deps.Script.Instructions
	}

	id := newID()
	logger = logger.With("session_id", id)
	c := &Controller{
		store:      deps.Store,
		extractor:  deps.Extractor,
		summarizer: deps.Summarizer,
		dial:       deps.Dial,
		script:     deps.Script,
		closing:    closing,
		metrics:    deps.Metrics,
		log:        logger,
		readerLog:  logger,
		cfg:        cfg,
		now:        now,
		sess:       newSession(id, deps.Script.Categories, now()),
		tel:        tel,
		queryRef:   queryRef,
		events:     make(chan event, 256),
		done:       make(chan struct{}),
		tasks:      newTaskGroup(cfg.TaskTimeout, logger, deps.Metrics),
	}
	c.handlers = map[eventKind]func(event){
		evTelephonyFrame:   c.onTelephonyFrame,
		evTelephonyClosed:  c.onTelephonyClosed,
		evModelOpened:      c.onModelOpened,
		evModelFailed:      c.onModelFailed,
		evModelEvent:       c.onModelEvent,
		evModelClosed:      c.onModelClosed,
		evGreetingFallback: c.onGreetingFallback,
		evExtractionDone:   c.onExtractionDone,
		evSummaryDone:      c.onSummaryDone,
		evCloseGrace:       c.onCloseGrace,
	}
	c.telephonyHandlers = map[string]func(telephony.Frame){
		telephony.EventStart:     c.onStart,
		telephony.EventMedia:     c.onInboundMedia,
		telephony.EventStop:      c.onStop,
		telephony.EventConnected: c.ignoreFrame,
		telephony.EventMark:      c.ignoreFrame,
	}
	c.modelHandlers = map[string]func(realtime.ServerEvent){
		realtime.TypeSessionUpdated:  c.onSessionUpdated,
		realtime.TypeAudioDelta:      c.onAudioDelta,
		realtime.TypeTranscriptDone:  c.onTranscript,
		realtime.TypeItemCreated:     c.onAssistantItem,
		realtime.TypeOutputItemDone:  c.onAssistantItem,
		realtime.TypeResponseCreated: c.onResponseCreated,
		realtime.TypeResponseDone:    c.onResponseDone,
		realtime.TypeSpeechStarted:   c.onSpeechStarted,
		realtime.TypeError:           c.onModelError,
	}
	return c, nil
}

// Session exposes the call state.  Callers must not read it while Run is
// active.
func (c *Controller) Session() *Session {
	return c.sess
}

// Run bridges the call until either leg disconnects, the caller confirms the
// close, or ctx is cancelled.  It returns an error only when the model leg
// could not be opened.
func (c *Controller) Run(ctx context.Context) error {
	c.metrics.SessionStarted()
	c.log.Info("call attached")
	defer c.shutdown()

	go c.readTelephony()
	go c.dialModel(ctx)

	for !c.sess.Phase.Terminal() {
		select {
		case ev := <-c.events:
			c.dispatch(ev)
		case <-ctx.Done():
			c.finish(PhaseClosed, "server shutting down")
		}
	}
	return c.fatal
}

func (c *Controller) shutdown() {
	close(c.done)
	if c.greetTimer != nil {
		c.greetTimer.Stop()
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	_ = c.tel.Close()
	if c.model != nil {
		_ = c.model.Close()
	}
	c.tasks.Drain(c.cfg.DrainTimeout)
	c.metrics.SessionEnded(strings.ToLower(string(c.sess.Phase)))
	c.log.Info("call detached",
		"phase", c.sess.Phase,
		"duration", c.now().Sub(c.sess.StartedAt).Round(time.Millisecond),
		"utterances", len(c.sess.Transcript))
}

// post hands an event to the loop.  It reports false once the loop is gone.
func (c *Controller) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) dispatch(ev event) {
	if c.sess.Phase.Terminal() {
		if ev.kind == evModelOpened && ev.leg != nil {
			_ = ev.leg.Close()
		}
		return
	}
	if h, ok := c.handlers[ev.kind]; ok {
		h(ev)
	}
}

func (c *Controller) transition(to Phase) bool {
	from := c.sess.Phase
	if !canTransition(from, to) {
		c.log.Debug("phase transition refused", "from", from, "to", to)
		return false
	}
	c.sess.Phase = to
	c.log.Info("phase changed", "from", from, "to", to)
	return true
}

func (c *Controller) finish(to Phase, reason string) {
	if c.transition(to) {
		c.log.Info("call ending", "reason", reason)
	}
}

func (c *Controller) fail(what string, err error) {
	c.log.Error(what+" failed", "error", err)
	c.finish(PhaseError, what)
}

// Readers.

func (c *Controller) readTelephony() {
	for {
		f, err := c.tel.Next()
		if err != nil {
			if errors.Is(err, telephony.ErrMalformed) {
				c.metrics.MalformedFrame("telephony")
				c.readerLog.Warn("dropping malformed telephony frame", "error", err)
				continue
			}
			c.post(event{kind: evTelephonyClosed, err: err})
			return
		}
		if !c.post(event{kind: evTelephonyFrame, frame: f}) {
			return
		}
	}
}

func (c *Controller) dialModel(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	leg, err := c.dial(dctx)
	if err != nil {
		c.post(event{kind: evModelFailed, err: err})
		return
	}
	if !c.post(event{kind: evModelOpened, leg: leg}) {
		_ = leg.Close()
	}
}

func (c *Controller) readModel(leg ModelLeg) {
	for {
		ev, err := leg.Next()
		if err != nil {
			var de *realtime.DecodeError
			if errors.As(err, &de) {
				c.metrics.MalformedFrame("model")
				c.readerLog.Warn("dropping malformed model event", "error", err)
				continue
			}
			c.post(event{kind: evModelClosed, err: err})
			return
		}
		if !c.post(event{kind: evModelEvent, model: ev}) {
			return
		}
	}
}

// Leg lifecycle.

func (c *Controller) onTelephonyClosed(ev event) {
	c.log.Info("telephony leg disconnected", "error", ev.err)
	c.finish(PhaseClosed, "telephony leg disconnected")
}

func (c *Controller) onModelOpened(ev event) {
	c.model = ev.leg
	c.sess.ModelOpen = true
	go c.readModel(ev.leg)
	if err := c.model.Send(realtime.SessionUpdate(c.cfg.Realtime)); err != nil {
		c.fail("configure model session", err)
	}
}

func (c *Controller) onModelFailed(ev event) {
	c.fatal = fmt.Errorf("open model leg: %w", ev.err)
	c.fail("open model leg", ev.err)
}

func (c *Controller) onModelClosed(ev event) {
	c.sess.ModelOpen = false
	c.log.Info("model leg disconnected", "error", ev.err)
	c.finish(PhaseClosed, "model leg disconnected")
}

// Telephony frames.

func (c *Controller) onTelephonyFrame(ev event) {
	h, ok := c.telephonyHandlers[ev.frame.Event]
	if !ok {
		c.log.Info("ignoring unrecognized telephony event", "event", ev.frame.Event)
		return
	}
	h(ev.frame)
}

func (c *Controller) ignoreFrame(f telephony.Frame) {
	c.log.Debug("telephony event", "event", f.Event)
}

func (c *Controller) onStart(f telephony.Frame) {
	if c.sess.StreamStarted {
		c.log.Warn("duplicate start frame ignored", "stream_sid", f.Start.StreamSID)
		return
	}
	c.sess.StreamStarted = true
	c.sess.StreamSID = f.Start.StreamSID
	c.sess.CallSID = f.Start.CallSID
	c.sess.ConversationRef = telephony.ResolveConversationID(f.Start, c.queryRef)
	c.log = c.log.With("stream_sid", c.sess.StreamSID, "conversation_id", c.sess.ConversationRef)
	if c.sess.ConversationRef == "" {
		c.log.Warn("call has no conversation id; transcript will not be persisted")
	}
	c.transition(PhaseStreamStarting)
	c.greetTimer = time.AfterFunc(c.cfg.GreetingFallback, func() {
		c.post(event{kind: evGreetingFallback})
	})
	c.maybeGreet()
}

func (c *Controller) onInboundMedia(f telephony.Frame) {
	if !c.sess.ModelOpen {
		c.metrics.AudioDroppedFrame(metrics.DirectionInbound)
		return
	}
	if err := c.model.Send(realtime.AppendAudio(f.Media.Payload)); err != nil {
		c.fail("relay caller audio", err)
		return
	}
	c.metrics.AudioRelayed(metrics.DirectionInbound)
}

func (c *Controller) onStop(telephony.Frame) {
	c.finish(PhaseClosed, "telephony stream stopped")
}

// Model events.

func (c *Controller) onModelEvent(ev event) {
	h, ok := c.modelHandlers[ev.model.Type]
	if !ok {
		c.log.Debug("model event", "type", ev.model.Type)
		return
	}
	h(ev.model)
}

func (c *Controller) onSessionUpdated(realtime.ServerEvent) {
	c.sess.SessionConfigured = true
	c.maybeGreet()
}

func (c *Controller) onAudioDelta(ev realtime.ServerEvent) {
	if c.sess.StreamSID == "" || ev.Delta == "" {
		c.metrics.AudioDroppedFrame(metrics.DirectionOutbound)
		return
	}
	if err := c.tel.SendMedia(c.sess.StreamSID, ev.Delta); err != nil {
		c.fail("relay model audio", err)
		return
	}
	c.metrics.AudioRelayed(metrics.DirectionOutbound)
}

func (c *Controller) onSpeechStarted(realtime.ServerEvent) {
	if c.sess.StreamSID == "" {
		return
	}
	if err := c.tel.SendClear(c.sess.StreamSID); err != nil {
		c.log.Warn("clear telephony audio failed", "error", err)
	}
}

func (c *Controller) onResponseCreated(ev realtime.ServerEvent) {
	if ev.Response == nil {
		return
	}
	c.sess.activeResponse = ev.Response.ID
	if c.sess.pendingScripted > 0 {
		c.sess.pendingScripted--
		c.sess.scriptedResponses[ev.Response.ID] = true
	}
}

func (c *Controller) onResponseDone(ev realtime.ServerEvent) {
	if ev.Response != nil && ev.Response.ID == c.sess.activeResponse {
		c.sess.activeResponse = ""
	}
	if c.sess.Phase == PhaseGreeted {
		c.transition(PhaseAwaitingConsent)
	}
}

func (c *Controller) onModelError(ev realtime.ServerEvent) {
	if ev.Error == nil {
		return
	}
	if ev.Error.Code == realtime.ErrCodeCancelNotActive {
		c.log.Debug("model had no response to cancel")
		return
	}
	c.log.Warn("model reported an error", "error", ev.Error.Error())
}

// Greeting.

func (c *Controller) maybeGreet() {
	if c.sess.SessionConfigured && c.sess.StreamStarted {
		c.greet()
	}
}

func (c *Controller) onGreetingFallback(event) {
	if c.sess.Phase != PhaseStreamStarting {
		return
	}
	c.log.Info("greeting fallback fired")
	c.greet()
}

// greet is one-shot: GREETED can only be entered from STREAM_STARTING.
func (c *Controller) greet() {
	if !c.sess.ModelOpen {
		return
	}
	if !c.transition(PhaseGreeted) {
		return
	}
	if c.greetTimer != nil {
		c.greetTimer.Stop()
	}
	c.say(c.script.OpeningLine)
}

// Speaking.

// say makes the model speak text verbatim and logs it.  The model's own
// item for that response is not logged again.
func (c *Controller) say(text string) {
	if !c.sess.ModelOpen {
		c.log.Warn("cannot speak; model leg is not open")
		return
	}
	for _, cmd := range realtime.Speak(text) {
		if err := c.model.Send(cmd); err != nil {
			c.fail("speak", err)
			return
		}
	}
	c.sess.pendingScripted++
	c.logUtterance(pkg.RoleAssistant, text)
}

// interrupt cancels the in-flight response and drops audio buffered on the
// phone side.  It reports false when the model leg failed.
func (c *Controller) interrupt() bool {
	if !c.sess.ModelOpen {
		return false
	}
	c.log.Debug("cancelling in-flight response", "response_id", c.sess.activeResponse)
	if err := c.model.Send(realtime.CancelResponse()); err != nil {
		c.fail("cancel response", err)
		return false
	}
	if id := c.sess.activeResponse; id != "" {
		c.sess.cancelledResponses[id] = true
	}
	if c.sess.StreamSID != "" {
		if err := c.tel.SendClear(c.sess.StreamSID); err != nil {
			c.log.Warn("clear telephony audio failed", "error", err)
		}
	}
	return true
}

func (c *Controller) onAssistantItem(ev realtime.ServerEvent) {
	item := ev.Item
	if item == nil || item.Role != realtime.RoleAssistant {
		return
	}
	text := item.Text()
	if text == "" {
		return
	}
	if item.ID != "" {
		if c.sess.seenItems[item.ID] {
			return
		}
		c.sess.seenItems[item.ID] = true
	}
	if ev.ResponseID != "" && c.sess.scriptedResponses[ev.ResponseID] {
		return
	}
	if item.Status == realtime.ItemStatusIncomplete && c.sess.cancelledResponses[ev.ResponseID] {
		c.log.Debug("dropping partial turn of a cancelled response", "item_id", item.ID, "response_id", ev.ResponseID)
		return
	}

	verdict := core.EnforceSingleQuestion(text)
	if verdict.Corrected {
		c.metrics.TurnCorrected()
		c.log.Info("assistant turn asked more than one question; correcting", "item_id", item.ID)
		// A response that is already gone cannot be re-spoken; log the
		// corrected text only.
		if item.Status != realtime.ItemStatusIncomplete {
			if c.interrupt() {
				c.say(verdict.Text)
			}
			return
		}
	}
	c.logUtterance(pkg.RoleAssistant, verdict.Text)
}

// Caller turns and the closing protocol.

func (c *Controller) onTranscript(ev realtime.ServerEvent) {
	text := realtime.CollapseSpace(ev.Transcript)
	if text == "" {
		return
	}
	switch c.sess.Phase {
	case PhaseInit, PhaseStreamStarting, PhaseGreeted, PhaseAwaitingConsent:
		if c.transition(PhaseIntakeActive) {
			c.sess.VoiceProfile = VoiceQuestion
		}
	}
	c.logUtterance(pkg.RoleCaller, text)
	c.dispatchExtraction(text)

	decision := c.closing.Decide(text, c.sess.PendingClose, c.sess.Coverage.MissingCategories())
	c.metrics.ClosingDecision(decision.Action.String())
	switch decision.Action {
	case core.ClosingFollowUp:
		c.log.Info("caller tried to end the call before coverage was complete",
			"missing", len(c.sess.Coverage.MissingCategories()))
		if c.interrupt() {
			c.say(decision.Text)
		}
	case core.ClosingBegin:
		c.beginClose()
	case core.ClosingConfirm:
		c.confirmClose()
	}
}

func (c *Controller) beginClose() {
	if !c.transition(PhaseCloseRequested) {
		return
	}
	c.sess.PendingClose = true
	c.interrupt()

	transcript := slices.Clone(c.sess.Transcript)
	fallback := c.script.FallbackSummary
	c.tasks.Go("summarize", func(ctx context.Context) error {
		if c.summarizer == nil {
			c.post(event{kind: evSummaryDone, text: fallback})
			return nil
		}
		summary, err := c.summarizer.Summarize(ctx, transcript)
		if err != nil || summary == "" {
			summary = fallback
		}
		c.post(event{kind: evSummaryDone, text: summary})
		return err
	})
}

func (c *Controller) onSummaryDone(ev event) {
	if c.sess.Phase != PhaseCloseRequested || c.sess.completing {
		return
	}
	if c.interrupt() {
		c.say(c.closing.Closer(ev.text))
	}
}

func (c *Controller) confirmClose() {
	if c.sess.completing {
		return
	}
	c.sess.completing = true
	c.log.Info("caller confirmed; closing after grace period", "grace", c.cfg.CloseGrace)
	if ref := c.sess.ConversationRef; ref != "" && c.store != nil {
		c.tasks.Go("mark_completed", func(ctx context.Context) error {
			return c.store.MarkCompleted(ctx, ref)
		})
	}
	c.graceTimer = time.AfterFunc(c.cfg.CloseGrace, func() {
		c.post(event{kind: evCloseGrace})
	})
}

func (c *Controller) onCloseGrace(event) {
	c.finish(PhaseClosed, "caller confirmed nothing else is needed")
}

// Extraction and persistence.

func (c *Controller) dispatchExtraction(text string) {
	if c.extractor == nil {
		return
	}
	ref := c.sess.ConversationRef
	c.tasks.Go("extract", func(ctx context.Context) error {
		fields, err := c.extractor.ExtractFields(ctx, text)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		c.post(event{kind: evExtractionDone, fields: fields})
		if ref == "" || c.store == nil {
			return nil
		}
		if err := c.store.MergeClinicalFields(ctx, ref, fields); err != nil {
			return fmt.Errorf("merge clinical fields: %w", err)
		}
		return nil
	})
}

func (c *Controller) onExtractionDone(ev event) {
	c.sess.Clinical.Merge(ev.fields)
	if newly := c.sess.Coverage.Merge(ev.fields); len(newly) > 0 {
		c.log.Info("intake coverage updated",
			"covered", newly,
			"missing", len(c.sess.Coverage.MissingCategories()))
	}
}

func (c *Controller) logUtterance(role pkg.MessageRole, text string) {
	msg := pkg.Message{
		ConversationID: c.sess.ConversationRef,
		Role:           role,
		Content:        text,
		CreatedAt:      c.now(),
		Metadata: map[string]string{
			"session_id": c.sess.ID,
			"phase":      string(c.sess.Phase),
		},
	}
	if role == pkg.RoleAssistant {
		msg.Metadata["voice_profile"] = string(c.sess.VoiceProfile)
	}
	c.sess.Transcript = append(c.sess.Transcript, msg)
	if msg.ConversationID == "" || c.store == nil {
		return
	}
	c.tasks.Go("append_message", func(ctx context.Context) error {
		_, err := c.store.AppendMessage(ctx, msg)
		return err
	})
}
