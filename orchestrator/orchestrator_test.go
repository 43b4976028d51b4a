package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"callpipe/core"
	"callpipe/llm"
	"callpipe/session"
	"callpipe/sink"
	"callpipe/tts"
)

// stubLLM replays a canned response in small fragments, or fails, or
// blocks until cancelled.
type stubLLM struct {
	response   string
	err        error
	blockUntil chan struct{} // when set, wait for ctx or this before finishing
}

func (s *stubLLM) Stream(ctx context.Context, req llm.Request, h llm.Handlers) {
	if s.err != nil {
		h.OnError(s.err)
		return
	}
	var sent strings.Builder
	for _, word := range strings.SplitAfter(s.response, " ") {
		if ctx.Err() != nil {
			break
		}
		sent.WriteString(word)
		if h.OnToken != nil {
			h.OnToken(word)
		}
	}
	if s.blockUntil != nil {
		select {
		case <-ctx.Done():
		case <-s.blockUntil:
		}
	}
	h.OnDone(sent.String())
}

// sequencedLLM uses one behavior for the first call and another for the
// rest, so a test can interrupt an in-flight turn with a follow-up.
type sequencedLLM struct {
	mu    sync.Mutex
	calls int
	first TokenStreamer
	rest  TokenStreamer
}

func (s *sequencedLLM) Stream(ctx context.Context, req llm.Request, h llm.Handlers) {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()
	if n == 0 {
		s.first.Stream(ctx, req, h)
		return
	}
	s.rest.Stream(ctx, req, h)
}

// stubSynth returns the sentence text as the audio payload so ordering
// is observable, with optional per-call latency and scripted failures.
type stubSynth struct {
	mu       sync.Mutex
	calls    []string
	failWhen func(text string) bool
	latency  func() time.Duration
	filler   *core.AudioClip
}

func (s *stubSynth) Synthesize(ctx context.Context, req tts.Request) (core.AudioClip, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Text)
	s.mu.Unlock()
	if s.latency != nil {
		select {
		case <-time.After(s.latency()):
		case <-ctx.Done():
			return core.AudioClip{}, &tts.Error{Kind: tts.ErrorTransient, Err: ctx.Err()}
		}
	}
	if s.failWhen != nil && s.failWhen(req.Text) {
		return core.AudioClip{}, &tts.Error{Kind: tts.ErrorPermanent, Status: 400, Err: errors.New("rejected")}
	}
	return core.AudioClip{Data: []byte(req.Text), SampleRate: 8000}, nil
}

func (s *stubSynth) Prewarm(ctx context.Context, language, voice string) error { return nil }

func (s *stubSynth) Filler(language, voice string) (core.AudioClip, bool) {
	if s.filler == nil {
		return core.AudioClip{}, false
	}
	return *s.filler, true
}

func (s *stubSynth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// stubTransport records deliveries and clears.
type stubTransport struct {
	mu     sync.Mutex
	sends  []string // payload text per Send
	clears int
	marks  int
}

func (t *stubTransport) Send(streamID string, clip core.AudioClip) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, string(clip.Data))
	t.marks++
	return "mark-n", nil
}

func (t *stubTransport) Clear(streamID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clears++
	return nil
}

func (t *stubTransport) Connected(streamID string) bool { return true }

func (t *stubTransport) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sends))
	copy(out, t.sends)
	return out
}

func (t *stubTransport) clearCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clears
}

func newTestOrchestrator(streamer TokenStreamer, synth Synthesizer, transport MediaTransport, statusSink sink.StatusSink) *Orchestrator {
	return New(DefaultConfig(), Deps{
		Registry:  session.NewRegistry(),
		LLM:       streamer,
		TTS:       synth,
		Transport: transport,
		Sink:      statusSink,
	})
}

func createTestSession(t *testing.T, o *Orchestrator) *session.Session {
	t.Helper()
	sess, err := o.CreateSession(session.Params{
		CallID:       "CA1",
		StreamID:     "MZ1",
		Voice:        "nova",
		Language:     "en",
		SystemPrompt: "You answer phone calls briefly.",
	})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	return sess
}

func TestTurnReleasesAudioInIndexOrderDespiteRandomLatency(t *testing.T) {
	response := "This is sentence number one. Here comes sentence two! And finally sentence three."
	synth := &stubSynth{
		latency: func() time.Duration { return time.Duration(rand.Intn(30)) * time.Millisecond },
	}
	transport := &stubTransport{}
	o := newTestOrchestrator(&stubLLM{response: response}, synth, transport, nil)
	createTestSession(t, o)

	result, err := o.Begin(context.Background(), "CA1", "tell me three things")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if result.Hangup {
		t.Fatal("normal turn must not hang up")
	}
	if len(result.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d: %v", len(result.Segments), result.Segments)
	}
	for i, seg := range result.Segments {
		if seg.Index != i {
			t.Fatalf("segments out of order: index %d at position %d", seg.Index, i)
		}
	}
	if result.Text != response {
		t.Fatalf("turn text mismatch: %q", result.Text)
	}

	sent := transport.sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 deliveries, got %v", sent)
	}
	if !strings.Contains(sent[0], "one") || !strings.Contains(sent[1], "two") || !strings.Contains(sent[2], "three") {
		t.Fatalf("deliveries not in sentence order: %v", sent)
	}

	history := historyOf(t, o, "CA1")
	last := history[len(history)-1]
	if last.Role != core.ChatRoleAssistant || last.Text != response {
		t.Fatalf("assistant reply not appended to history: %+v", last)
	}
}

func TestFailedSentenceSkippedWithoutBlockingRest(t *testing.T) {
	response := "This is sentence number one. Here comes sentence two! And finally sentence three."
	synth := &stubSynth{
		failWhen: func(text string) bool { return strings.Contains(text, "two") },
	}
	transport := &stubTransport{}
	o := newTestOrchestrator(&stubLLM{response: response}, synth, transport, nil)
	createTestSession(t, o)

	result, err := o.Begin(context.Background(), "CA1", "hello")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if len(result.Segments) != 2 {
		t.Fatalf("expected failed sentence skipped, got %v", result.Segments)
	}
	if result.Segments[0].Index != 0 || result.Segments[1].Index != 2 {
		t.Fatalf("surviving segments must keep their indices: %v", result.Segments)
	}
}

func TestSilencePolicyPromptsThenHangsUp(t *testing.T) {
	synth := &stubSynth{}
	transport := &stubTransport{}
	o := newTestOrchestrator(&stubLLM{response: "unused"}, synth, transport, sink.NewMemorySink())
	createTestSession(t, o)
	baseline := len(historyOf(t, o, "CA1"))

	for i := 0; i < 2; i++ {
		result, err := o.Begin(context.Background(), "CA1", "")
		if err != nil {
			t.Fatalf("silent begin %d failed: %v", i, err)
		}
		if result.Hangup {
			t.Fatalf("call must not end after %d silences", i+1)
		}
		if len(result.Segments) != 1 || !strings.Contains(string(result.Segments[0].Clip.Data), "still there") {
			t.Fatalf("expected re-prompt audio, got %v", result.Segments)
		}
	}

	if got := len(historyOf(t, o, "CA1")); got != baseline {
		t.Fatalf("silence must not advance history: %d -> %d", baseline, got)
	}

	result, err := o.Begin(context.Background(), "CA1", "  ")
	if err != nil {
		t.Fatalf("third silent begin failed: %v", err)
	}
	if !result.Hangup {
		t.Fatal("third consecutive silence must end the call")
	}
	if len(result.Segments) != 1 || !strings.Contains(string(result.Segments[0].Clip.Data), "Goodbye") {
		t.Fatalf("expected goodbye audio, got %v", result.Segments)
	}

	if _, err := o.Begin(context.Background(), "CA1", "hello?"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("session must be destroyed after goodbye, got %v", err)
	}
}

func TestNonEmptyUtteranceResetsSilenceCounter(t *testing.T) {
	synth := &stubSynth{}
	o := newTestOrchestrator(&stubLLM{response: "A perfectly fine answer."}, synth, &stubTransport{}, nil)
	createTestSession(t, o)

	o.Begin(context.Background(), "CA1", "")
	o.Begin(context.Background(), "CA1", "")
	o.Begin(context.Background(), "CA1", "still here")

	result, _ := o.Begin(context.Background(), "CA1", "")
	if result.Hangup {
		t.Fatal("silence counter must reset on speech")
	}
}

func TestBargeInCancelsPriorTurnAndClearsPlayback(t *testing.T) {
	// First call blocks mid-sentence until cancelled, second streams a
	// complete answer.
	streamer := &sequencedLLM{
		first: &stubLLM{response: "An answer that never finishes because the caller interrupts", blockUntil: make(chan struct{})},
		rest:  &stubLLM{response: "The second answer arrives intact."},
	}
	synth := &stubSynth{}
	transport := &stubTransport{}
	o := newTestOrchestrator(streamer, synth, transport, nil)
	createTestSession(t, o)

	firstDone := make(chan *TurnResult, 1)
	go func() {
		result, _ := o.Begin(context.Background(), "CA1", "first question")
		firstDone <- result
	}()

	waitFor(t, time.Second, func() bool {
		sess, _ := o.registry.Get("CA1")
		return sess != nil && sess.TurnInFlight()
	})

	second, err := o.Begin(context.Background(), "CA1", "wait stop")
	if err != nil {
		t.Fatalf("barge-in begin failed: %v", err)
	}

	var first *TurnResult
	select {
	case first = <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled turn did not unblock")
	}

	if transport.clearCount() != 1 {
		t.Fatalf("barge-in must clear queued playback exactly once, got %d", transport.clearCount())
	}
	if len(second.Segments) == 0 {
		t.Fatal("the new turn must still produce audio")
	}
	for _, payload := range payloadTexts(first.Segments) {
		if strings.Contains(payload, "never finishes") {
			t.Fatalf("cancelled turn delivered audio: %v", payload)
		}
	}

	sess, _ := o.registry.Get("CA1")
	if sess.TurnInFlight() {
		t.Fatal("no turn should remain in flight")
	}
}

func TestApologyFallbackWhenStreamFailsBeforeAnySentence(t *testing.T) {
	synth := &stubSynth{}
	o := newTestOrchestrator(&stubLLM{err: errors.New("upstream down")}, synth, &stubTransport{}, nil)
	createTestSession(t, o)

	result, err := o.Begin(context.Background(), "CA1", "hello")
	if err != nil {
		t.Fatalf("begin must absorb stream failure, got %v", err)
	}
	if len(result.Segments) != 1 || !strings.Contains(string(result.Segments[0].Clip.Data), "sorry") {
		t.Fatalf("expected apology audio, got %v", result.Segments)
	}
}

func TestApologyFallbackWhenEverySentenceFails(t *testing.T) {
	response := "This whole response is doomed to fail synthesis."
	synth := &stubSynth{
		failWhen: func(text string) bool { return strings.Contains(text, "doomed") },
	}
	o := newTestOrchestrator(&stubLLM{response: response}, synth, &stubTransport{}, nil)
	createTestSession(t, o)

	result, err := o.Begin(context.Background(), "CA1", "hello")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if len(result.Segments) != 1 || !strings.Contains(string(result.Segments[0].Clip.Data), "sorry") {
		t.Fatalf("expected whole-turn apology when zero sentences succeed, got %v", result.Segments)
	}
}

func TestFillerPlaysBeforeFirstSentence(t *testing.T) {
	synth := &stubSynth{filler: &core.AudioClip{Data: []byte("One moment, please."), SampleRate: 8000}}
	transport := &stubTransport{}
	o := newTestOrchestrator(&stubLLM{response: "Here is the real answer to that."}, synth, transport, nil)
	createTestSession(t, o)

	if _, err := o.Begin(context.Background(), "CA1", "hello"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	sent := transport.sent()
	if len(sent) < 2 || sent[0] != "One moment, please." {
		t.Fatalf("filler must be delivered first, got %v", sent)
	}
}

func TestDestroyIsIdempotentAndWritesRecordOnce(t *testing.T) {
	memSink := sink.NewMemorySink()
	notifier := core.NewChannelNotifier(16)
	o := New(DefaultConfig(), Deps{
		Registry:  session.NewRegistry(),
		LLM:       &stubLLM{response: "Certainly, that is all noted."},
		TTS:       &stubSynth{},
		Transport: &stubTransport{},
		Sink:      memSink,
		Notifier:  notifier,
	})
	createTestSession(t, o)
	if _, err := o.Begin(context.Background(), "CA1", "note this down"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	o.Destroy("CA1", sink.StatusCompleted)
	o.Destroy("CA1", sink.StatusCompleted)

	records := memSink.Records()
	if len(records) != 1 {
		t.Fatalf("destroy must write exactly one record, got %d", len(records))
	}
	record := records[0]
	if record.Status != sink.StatusCompleted || record.CallID != "CA1" {
		t.Fatalf("unexpected record: %+v", record)
	}
	for _, msg := range record.Messages {
		if msg.Role == core.ChatRoleSystem {
			t.Fatal("system prompt must not be written back")
		}
	}
	if len(record.Messages) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(record.Messages))
	}

	sawEnded := false
	for len(notifier.Events()) > 0 {
		if evt := <-notifier.Events(); evt.Type == core.EventCallEnded {
			sawEnded = true
		}
	}
	if !sawEnded {
		t.Fatal("expected a call-ended event")
	}
}

func TestTerminalCallStatusDestroysSession(t *testing.T) {
	o := newTestOrchestrator(&stubLLM{}, &stubSynth{}, &stubTransport{}, nil)
	createTestSession(t, o)

	o.HandleCallStatus("CA1", "in-progress")
	if _, ok := o.registry.Get("CA1"); !ok {
		t.Fatal("non-terminal status must not destroy the session")
	}

	o.HandleCallStatus("CA1", sink.StatusNoAnswer)
	if _, ok := o.registry.Get("CA1"); ok {
		t.Fatal("terminal status must destroy the session")
	}
}

func TestStreamStartBootstrapsSessionFromCustomParameters(t *testing.T) {
	o := newTestOrchestrator(&stubLLM{response: "Bootstrapped replies work fine."}, &stubSynth{}, &stubTransport{}, nil)

	o.OnStart("CA9", "MZ9", map[string]string{
		"voice":         "nova",
		"language":      "en",
		"system_prompt": "be nice",
	})

	sess, ok := o.registry.GetByStream("MZ9")
	if !ok || sess.CallID != "CA9" {
		t.Fatal("stream start must bootstrap a session")
	}

	o.OnStop("MZ9")
	if _, ok := o.registry.Get("CA9"); ok {
		t.Fatal("stream stop must tear the session down")
	}
}

func TestBeginOnUnknownSessionFails(t *testing.T) {
	o := newTestOrchestrator(&stubLLM{}, &stubSynth{}, &stubTransport{}, nil)
	if _, err := o.Begin(context.Background(), "missing", "hi"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func historyOf(t *testing.T, o *Orchestrator, callID string) []core.ChatMessage {
	t.Helper()
	sess, ok := o.registry.Get(callID)
	if !ok {
		t.Fatalf("session %q missing", callID)
	}
	return sess.History()
}

func payloadTexts(segments []AudioSegment) []string {
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		out = append(out, string(seg.Clip.Data))
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
