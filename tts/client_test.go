package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := DefaultConfig()
	config.URL = server.URL
	config.Voice = "test-voice"
	config.RetryBackoff = time.Millisecond
	return NewClient(config, nil), server
}

func TestCacheHitIssuesNoNetworkCall(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("audio-bytes"))
	})

	req := Request{Text: "Hello out there.", Language: "en"}
	if _, err := client.Synthesize(context.Background(), req); err != nil {
		t.Fatalf("first synthesis failed: %v", err)
	}
	if _, err := client.Synthesize(context.Background(), req); err != nil {
		t.Fatalf("second synthesis failed: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 provider call, got %d", got)
	}
}

func TestTransientFailureRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("audio-bytes"))
	})

	clip, err := client.Synthesize(context.Background(), Request{Text: "Retry me please.", Language: "en"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if string(clip.Data) != "audio-bytes" {
		t.Fatalf("unexpected audio payload: %q", clip.Data)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 provider calls, got %d", got)
	}
}

func TestTransientFailureNotRetriedTwice(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Synthesize(context.Background(), Request{Text: "Always failing text.", Language: "en"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 provider calls, got %d", got)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Synthesize(context.Background(), Request{Text: "Rejected by provider.", Language: "en"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if IsTransient(err) {
		t.Fatalf("4xx must be permanent, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", got)
	}
}

func TestRequestTextNormalizedAndTruncated(t *testing.T) {
	var received synthesisRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Write([]byte("audio-bytes"))
	})
	client.config.MaxTextLen = 20

	_, err := client.Synthesize(context.Background(), Request{
		Text:     "**Hello** " + strings.Repeat("long ", 20),
		Language: "en",
	})
	if err != nil {
		t.Fatalf("synthesis failed: %v", err)
	}
	if strings.Contains(received.Text, "*") {
		t.Fatalf("markdown must be stripped, got %q", received.Text)
	}
	if len([]rune(received.Text)) > 20 {
		t.Fatalf("text must be truncated to the provider limit, got %d runes", len([]rune(received.Text)))
	}
	if received.SpeakerID != "test-voice" {
		t.Fatalf("default voice not applied: %q", received.SpeakerID)
	}
}

func TestLinear16ResponseConvertedToUlaw(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 320)) // 160 PCM16 samples
	})
	client.config.Encoding = EncodingLinear16

	clip, err := client.Synthesize(context.Background(), Request{Text: "Convert this audio.", Language: "en"})
	if err != nil {
		t.Fatalf("synthesis failed: %v", err)
	}
	if len(clip.Data) != 160 {
		t.Fatalf("expected 160 mu-law bytes after conversion, got %d", len(clip.Data))
	}
}

func TestPrewarmCachesFillerForLanguage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("filler-audio"))
	})

	if _, ok := client.Filler("en", ""); ok {
		t.Fatal("filler must not be cached before prewarm")
	}
	if err := client.Prewarm(context.Background(), "en", ""); err != nil {
		t.Fatalf("prewarm failed: %v", err)
	}
	clip, ok := client.Filler("en", "")
	if !ok {
		t.Fatal("filler must be cached after prewarm")
	}
	if string(clip.Data) != "filler-audio" {
		t.Fatalf("unexpected filler payload: %q", clip.Data)
	}
}

func TestEmptyTextIsPermanentError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty text")
	})

	_, err := client.Synthesize(context.Background(), Request{Text: "   ", Language: "en"})
	if err == nil || IsTransient(err) {
		t.Fatalf("empty text must fail permanently, got %v", err)
	}
}
