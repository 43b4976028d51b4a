package orchestrator

import (
	"context"
	"strings"
	"time"

	"callpipe/core"
	"callpipe/llm"
	"callpipe/segment"
	"callpipe/session"
	"callpipe/sink"
	"callpipe/tts"
)

// TokenStreamer produces a model response as a stream of text fragments.
type TokenStreamer interface {
	Stream(ctx context.Context, req llm.Request, h llm.Handlers)
}

// Synthesizer turns one sentence into telephony audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (core.AudioClip, error)
	Prewarm(ctx context.Context, language, voice string) error
	Filler(language, voice string) (core.AudioClip, bool)
}

// MediaTransport delivers audio to the caller and clears queued
// playback on interruption.
type MediaTransport interface {
	Send(streamID string, clip core.AudioClip) (mark string, err error)
	Clear(streamID string) error
	Connected(streamID string) bool
}

// Config holds the orchestrator's turn and lifecycle policy.
type Config struct {
	// SilenceThreshold is how many consecutive empty utterances end the
	// call with a goodbye.
	SilenceThreshold int `json:"silence_threshold"`

	// SessionMaxAge is the wall-clock leak backstop, independent of activity.
	SessionMaxAge time.Duration `json:"session_max_age"`

	SweepInterval time.Duration `json:"sweep_interval"`

	Segmenter segment.Config `json:"segmenter"`

	// Per-language fixed utterances. Lookup falls back to "en".
	Reprompt map[string]string `json:"reprompt"`
	Goodbye  map[string]string `json:"goodbye"`
	Apology  map[string]string `json:"apology"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 3,
		SessionMaxAge:    30 * time.Minute,
		SweepInterval:    2 * time.Minute,
		Segmenter:        segment.DefaultConfig(),
		Reprompt: map[string]string{
			"en": "Are you still there?",
			"es": "¿Sigue ahí?",
			"de": "Sind Sie noch dran?",
		},
		Goodbye: map[string]string{
			"en": "Thanks for calling. Goodbye!",
			"es": "Gracias por llamar. ¡Adiós!",
			"de": "Danke für Ihren Anruf. Auf Wiederhören!",
		},
		Apology: map[string]string{
			"en": "I'm sorry, I'm having trouble answering right now. Could you repeat that?",
			"es": "Lo siento, tengo problemas para responder ahora mismo. ¿Podría repetirlo?",
			"de": "Entschuldigung, ich habe gerade Schwierigkeiten zu antworten. Können Sie das wiederholen?",
		},
	}
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry  *session.Registry
	LLM       TokenStreamer
	TTS       Synthesizer
	Transport MediaTransport
	Sink      sink.StatusSink
	Notifier  core.Notifier
	Logger    *core.Logger
}

// Orchestrator owns per-call session state and coordinates one turn at
// a time per call: token stream -> segmentation -> parallel synthesis
// -> in-order delivery. It is the only component that mutates sessions.
type Orchestrator struct {
	config    Config
	registry  *session.Registry
	llm       TokenStreamer
	tts       Synthesizer
	transport MediaTransport
	sink      sink.StatusSink
	notifier  core.Notifier
	logger    *core.Logger
}

func New(config Config, deps Deps) *Orchestrator {
	defaults := DefaultConfig()
	if config.SilenceThreshold <= 0 {
		config.SilenceThreshold = defaults.SilenceThreshold
	}
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = defaults.SessionMaxAge
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.Reprompt == nil {
		config.Reprompt = defaults.Reprompt
	}
	if config.Goodbye == nil {
		config.Goodbye = defaults.Goodbye
	}
	if config.Apology == nil {
		config.Apology = defaults.Apology
	}
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Notifier == nil {
		deps.Notifier = core.NopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = core.GetLogger()
	}
	return &Orchestrator{
		config:    config,
		registry:  deps.Registry,
		llm:       deps.LLM,
		tts:       deps.TTS,
		transport: deps.Transport,
		sink:      deps.Sink,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
	}
}

// SetTransport installs the media transport after construction. The
// transport's event handler is the orchestrator itself, so the two are
// built in sequence and joined here before any call starts.
func (o *Orchestrator) SetTransport(transport MediaTransport) {
	o.transport = transport
}

// AudioSegment pairs a sentence index with its synthesized clip.
type AudioSegment struct {
	Index int
	Clip  core.AudioClip
}

// TurnResult is the outcome of one Begin call. Segments are in strictly
// ascending index order; permanently failed sentences are absent.
type TurnResult struct {
	Segments []AudioSegment
	Text     string
	Hangup   bool
}

// CreateSession registers a new call session and prewarms filler audio
// for its language. Must be called before the first Begin.
func (o *Orchestrator) CreateSession(params session.Params) (*session.Session, error) {
	sess, err := o.registry.Create(params)
	if err != nil {
		return nil, err
	}
	o.logger.Info("session created", "call_id", params.CallID, "language", params.Language)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := o.tts.Prewarm(ctx, sess.Language, sess.Voice); err != nil {
			// no filler this call, nothing else breaks
			o.logger.Warn("filler prewarm failed", "call_id", params.CallID, "error", err)
		}
	}()
	return sess, nil
}

// Begin runs one turn: it takes the caller's transcribed utterance and
// produces the assistant's spoken reply, delivered to the transport in
// sentence order. Empty utterances follow the silence policy instead.
// Provider failures are absorbed here; the worst outcome is a shorter
// reply, never an error for a healthy session.
func (o *Orchestrator) Begin(ctx context.Context, callID, utterance string) (*TurnResult, error) {
	sess, ok := o.registry.Get(callID)
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	if !sess.Alive() {
		return nil, core.ErrSessionClosed
	}

	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return o.handleSilence(ctx, sess), nil
	}
	sess.ResetSilence()

	// Barge-in: a new utterance while a turn is in flight cancels the
	// old stream and wipes queued audio before any new audio arrives.
	if sess.CancelTurn() {
		o.clearPlayback(sess)
	}

	sess.AppendMessage(core.ChatRoleUser, utterance)
	o.notify(core.EventUserMessage, sess.CallID, utterance)
	o.notify(core.EventAIThinking, sess.CallID, "")

	turnCtx, cancel := context.WithCancel(ctx)
	seq := sess.BeginTurn(cancel)
	defer sess.EndTurn(seq)
	defer cancel()

	return o.runTurn(turnCtx, sess), nil
}

func (o *Orchestrator) runTurn(ctx context.Context, sess *session.Session) *TurnResult {
	// Filler synthesized at session start plays instantly while the
	// model is still thinking.
	if clip, ok := o.tts.Filler(sess.Language, sess.Voice); ok {
		o.deliver(sess, clip)
	}

	results := make(chan synthResult, 32)
	totalCh := make(chan int, 1)
	orderedCh := make(chan []AudioSegment, 1)
	go o.release(ctx, sess, results, totalCh, orderedCh)

	seg := segment.New(o.config.Segmenter, func(index int, text string) {
		go o.synthesize(ctx, sess, index, text, results)
	})

	var streamErr error
	o.llm.Stream(ctx, llm.Request{Model: sess.Model, Messages: sess.History()}, llm.Handlers{
		OnToken: func(fragment string) { seg.Push(fragment) },
		OnDone:  func(string) {},
		OnError: func(err error) { streamErr = err },
	})

	turnText := seg.Flush()
	total := seg.Count()
	totalCh <- total
	segments := <-orderedCh

	if turnText != "" {
		sess.AppendMessage(core.ChatRoleAssistant, turnText)
		o.notify(core.EventAIMessage, sess.CallID, turnText)
	}

	if len(segments) == 0 && ctx.Err() == nil && (streamErr != nil || total > 0) {
		// Nothing speakable made it through; apologize rather than
		// leaving the caller with dead air.
		return o.fallbackTurn(ctx, sess)
	}

	return &TurnResult{Segments: segments, Text: turnText}
}

func (o *Orchestrator) fallbackTurn(ctx context.Context, sess *session.Session) *TurnResult {
	phrase := o.phrase(o.config.Apology, sess.Language)
	clip := o.speak(ctx, sess, phrase)
	if clip.Empty() {
		return &TurnResult{}
	}
	return &TurnResult{
		Segments: []AudioSegment{{Index: 0, Clip: clip}},
		Text:     phrase,
	}
}

// handleSilence counts consecutive empty utterances: below the
// threshold the caller is re-prompted without touching conversation
// history, at the threshold the call ends with a goodbye.
func (o *Orchestrator) handleSilence(ctx context.Context, sess *session.Session) *TurnResult {
	count := sess.RecordSilence()
	o.notify(core.EventSilence, sess.CallID, "")

	if count >= o.config.SilenceThreshold {
		clip := o.speak(ctx, sess, o.phrase(o.config.Goodbye, sess.Language))
		result := &TurnResult{Hangup: true}
		if !clip.Empty() {
			result.Segments = []AudioSegment{{Index: 0, Clip: clip}}
		}
		o.Destroy(sess.CallID, sink.StatusCompleted)
		return result
	}

	clip := o.speak(ctx, sess, o.phrase(o.config.Reprompt, sess.Language))
	result := &TurnResult{}
	if !clip.Empty() {
		result.Segments = []AudioSegment{{Index: 0, Clip: clip}}
	}
	return result
}

// Destroy tears a session down: cancels any in-flight turn, removes all
// registry entries, writes the terminal record and emits the final
// event. Idempotent.
func (o *Orchestrator) Destroy(callID, status string) {
	sess, ok := o.registry.Remove(callID)
	if !ok {
		return
	}
	o.finalize(sess, status)
}

// HandleCallStatus applies a telephony status webhook; terminal
// statuses tear the session down.
func (o *Orchestrator) HandleCallStatus(callID, status string) {
	if !sink.IsTerminal(status) {
		return
	}
	o.Destroy(callID, status)
}

// Run sweeps over-age sessions until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, sess := range o.registry.Sweep(o.config.SessionMaxAge) {
				o.logger.Warn("sweeping idle session", "call_id", sess.CallID, "age", sess.Age().String())
				o.finalize(sess, sink.StatusExpired)
			}
		case <-ctx.Done():
			return
		}
	}
}

// OnStart implements transport.EventHandler. A session created ahead of
// the stream gets its stream bound; otherwise the stream's custom
// parameters bootstrap one.
func (o *Orchestrator) OnStart(callID, streamID string, params map[string]string) {
	if _, ok := o.registry.Get(callID); ok {
		o.registry.BindStream(callID, streamID)
		return
	}
	_, err := o.CreateSession(session.Params{
		CallID:       callID,
		StreamID:     streamID,
		Voice:        params["voice"],
		Language:     params["language"],
		Model:        params["model"],
		SystemPrompt: params["system_prompt"],
	})
	if err != nil {
		o.logger.Error("session bootstrap from stream start failed", "call_id", callID, "error", err)
	}
}

// OnMark implements transport.EventHandler.
func (o *Orchestrator) OnMark(streamID, name string) {
	if sess, ok := o.registry.GetByStream(streamID); ok {
		sess.PopMark(name)
	}
}

// OnStop implements transport.EventHandler. The transport only
// reports; teardown happens here.
func (o *Orchestrator) OnStop(streamID string) {
	if sess, ok := o.registry.GetByStream(streamID); ok {
		o.Destroy(sess.CallID, sink.StatusCompleted)
	}
}

func (o *Orchestrator) finalize(sess *session.Session, status string) {
	sess.Close()
	o.writeRecord(sess, status)
	o.notify(core.EventCallEnded, sess.CallID, status)
	o.logger.Info("session destroyed", "call_id", sess.CallID, "status", status)
}

func (o *Orchestrator) writeRecord(sess *session.Session, status string) {
	if o.sink == nil {
		return
	}
	var messages []core.ChatMessage
	for _, msg := range sess.History() {
		if msg.Role == core.ChatRoleSystem {
			continue
		}
		messages = append(messages, msg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record := sink.CallRecord{
		CallID:   sess.CallID,
		Status:   status,
		Messages: messages,
		EndedAt:  time.Now(),
	}
	if err := o.sink.WriteCallRecord(ctx, record); err != nil {
		o.logger.Error("call record write failed", "call_id", sess.CallID, "error", err)
	}
}

// speak synthesizes a fixed utterance and delivers it; failures degrade
// to silence for that utterance only.
func (o *Orchestrator) speak(ctx context.Context, sess *session.Session, text string) core.AudioClip {
	clip, err := o.tts.Synthesize(ctx, tts.Request{
		Text:     text,
		Language: sess.Language,
		Voice:    sess.Voice,
	})
	if err != nil {
		o.logger.Error("fixed utterance synthesis failed", "call_id", sess.CallID, "error", err)
		return core.AudioClip{}
	}
	o.deliver(sess, clip)
	return clip
}

func (o *Orchestrator) deliver(sess *session.Session, clip core.AudioClip) {
	if o.transport == nil || clip.Empty() {
		return
	}
	streamID := sess.StreamID()
	if streamID == "" || !o.transport.Connected(streamID) {
		return
	}
	mark, err := o.transport.Send(streamID, clip)
	if err != nil {
		o.logger.Error("audio delivery failed", "call_id", sess.CallID, "error", err)
		return
	}
	sess.PushMark(mark)
}

func (o *Orchestrator) clearPlayback(sess *session.Session) {
	if o.transport == nil {
		return
	}
	streamID := sess.StreamID()
	if streamID == "" || !o.transport.Connected(streamID) {
		return
	}
	if err := o.transport.Clear(streamID); err != nil {
		o.logger.Error("playback clear failed", "call_id", sess.CallID, "error", err)
	}
}

func (o *Orchestrator) notify(eventType core.EventType, callID, text string) {
	o.notifier.Publish(core.NewEvent(eventType, callID, text))
}

func (o *Orchestrator) phrase(phrases map[string]string, language string) string {
	if phrase, ok := phrases[language]; ok {
		return phrase
	}
	return phrases["en"]
}
