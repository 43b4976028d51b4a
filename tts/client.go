package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"callpipe/audioutil"
	"callpipe/core"

	"github.com/bytedance/sonic"
)

// Encoding values the synthesis provider can return.
const (
	EncodingUlaw     = "mulaw"
	EncodingLinear16 = "linear16"
)

// Config holds the configuration for the synthesis client. Endpoint,
// key and voice come from deployment config, never computed here.
type Config struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`

	// Voice is the default speaker id when a request does not set one.
	Voice string `json:"voice"`

	// SampleRate is the telephony target rate (Hz).
	SampleRate int `json:"sample_rate"`

	// Encoding is the audio format the provider returns. Linear PCM is
	// converted to mu-law before it leaves this package.
	Encoding string `json:"encoding"`

	// MaxTextLen truncates requests to the provider's limit (runes).
	MaxTextLen int `json:"max_text_len"`

	RequestTimeout time.Duration `json:"request_timeout"`
	RetryBackoff   time.Duration `json:"retry_backoff"`
	CacheTTL       time.Duration `json:"cache_ttl"`
	SweepInterval  time.Duration `json:"sweep_interval"`

	// FillerPhrases maps a language tag to the short utterance Prewarm
	// synthesizes at session start.
	FillerPhrases map[string]string `json:"filler_phrases"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() Config {
	return Config{
		SampleRate:     audioutil.TelephonySampleRate,
		Encoding:       EncodingUlaw,
		MaxTextLen:     3000,
		RequestTimeout: 12 * time.Second,
		RetryBackoff:   500 * time.Millisecond,
		CacheTTL:       10 * time.Minute,
		SweepInterval:  time.Minute,
		FillerPhrases: map[string]string{
			"en": "One moment, please.",
			"es": "Un momento, por favor.",
			"de": "Einen Moment, bitte.",
		},
	}
}

// ErrorKind classifies synthesis failures for retry decisions.
type ErrorKind int

const (
	ErrorTransient ErrorKind = iota // timeout or 5xx; retried once
	ErrorPermanent                  // 4xx; never retried
)

// Error is the typed failure surfaced to the orchestrator.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Kind == ErrorPermanent {
		kind = "permanent"
	}
	if e.Status != 0 {
		return fmt.Sprintf("tts: %s failure (status %d): %v", kind, e.Status, e.Err)
	}
	return fmt.Sprintf("tts: %s failure: %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable synthesis failure.
func IsTransient(err error) bool {
	var synthErr *Error
	if errors.As(err, &synthErr) {
		return synthErr.Kind == ErrorTransient
	}
	return false
}

// Request is one sentence to synthesize.
type Request struct {
	Text     string
	Language string
	Voice    string
}

// Client converts single sentences of text into telephony-grade audio,
// with content-addressed caching and one bounded retry on transient
// provider failures.
type Client struct {
	config Config
	http   *http.Client
	cache  *cache
	logger *core.Logger
}

func NewClient(config Config, logger *core.Logger) *Client {
	defaults := DefaultConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.Encoding == "" {
		config.Encoding = defaults.Encoding
	}
	if config.MaxTextLen <= 0 {
		config.MaxTextLen = defaults.MaxTextLen
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.FillerPhrases == nil {
		config.FillerPhrases = defaults.FillerPhrases
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.RequestTimeout},
		cache:  newCache(config.CacheTTL),
		logger: logger,
	}
}

// Run sweeps expired cache entries until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := c.cache.sweep(); removed > 0 {
				c.logger.Debug("evicted expired synthesis cache entries", "count", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Synthesize returns encoded audio for one sentence. Cache hits return
// without any network call. Misses issue one request with a bounded
// timeout, retried once after a short backoff only on transient failure.
func (c *Client) Synthesize(ctx context.Context, req Request) (core.AudioClip, error) {
	voice := req.Voice
	if voice == "" {
		voice = c.config.Voice
	}

	text := truncateRunes(Normalize(req.Text), c.config.MaxTextLen)
	if text == "" {
		return core.AudioClip{}, &Error{Kind: ErrorPermanent, Err: fmt.Errorf("empty text after normalization")}
	}

	key := cacheKey(text, voice, req.Language)
	if clip, ok := c.cache.get(key); ok {
		return clip, nil
	}

	clip, err := c.request(ctx, text, req.Language, voice)
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		select {
		case <-time.After(c.config.RetryBackoff):
			clip, err = c.request(ctx, text, req.Language, voice)
		case <-ctx.Done():
			return core.AudioClip{}, &Error{Kind: ErrorTransient, Err: ctx.Err()}
		}
	}
	if err != nil {
		return core.AudioClip{}, err
	}

	c.cache.put(key, clip)
	return clip, nil
}

// Prewarm synthesizes the filler phrase for a language so it is cached
// for instant playback while the first real response is still being
// generated. Failures only suppress filler playback, never the call.
func (c *Client) Prewarm(ctx context.Context, language, voice string) error {
	phrase, ok := c.fillerPhrase(language)
	if !ok {
		return nil
	}
	_, err := c.Synthesize(ctx, Request{Text: phrase, Language: language, Voice: voice})
	if err != nil {
		return fmt.Errorf("tts: prewarm %q: %w", language, err)
	}
	return nil
}

// Filler returns the prewarmed clip for a language from cache only.
func (c *Client) Filler(language, voice string) (core.AudioClip, bool) {
	phrase, ok := c.fillerPhrase(language)
	if !ok {
		return core.AudioClip{}, false
	}
	if voice == "" {
		voice = c.config.Voice
	}
	return c.cache.get(cacheKey(Normalize(phrase), voice, language))
}

func (c *Client) fillerPhrase(language string) (string, bool) {
	if phrase, ok := c.config.FillerPhrases[language]; ok {
		return phrase, true
	}
	phrase, ok := c.config.FillerPhrases["en"]
	return phrase, ok
}

type synthesisRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language,omitempty"`
	SpeakerID  string `json:"speaker_id"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

func (c *Client) request(ctx context.Context, text, language, voice string) (core.AudioClip, error) {
	body, err := sonic.Marshal(synthesisRequest{
		Text:       text,
		Language:   language,
		SpeakerID:  voice,
		SampleRate: c.config.SampleRate,
		Encoding:   c.config.Encoding,
	})
	if err != nil {
		return core.AudioClip{}, &Error{Kind: ErrorPermanent, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return core.AudioClip{}, &Error{Kind: ErrorPermanent, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// network errors and timeouts are worth one retry
		return core.AudioClip{}, &Error{Kind: ErrorTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := ErrorPermanent
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = ErrorTransient
		}
		return core.AudioClip{}, &Error{
			Kind:   kind,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("synthesis rejected"),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.AudioClip{}, &Error{Kind: ErrorTransient, Err: fmt.Errorf("read audio: %w", err)}
	}

	if c.config.Encoding == EncodingLinear16 {
		data = audioutil.PCM16ToUlaw(data)
	}
	return core.AudioClip{Data: data, SampleRate: c.config.SampleRate}, nil
}

// CacheSize reports how many clips are currently cached.
func (c *Client) CacheSize() int {
	return c.cache.size()
}

// cacheKey hashes normalized text, voice and language so identical
// sentences across turns and calls share one synthesis.
func cacheKey(text, voice, language string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(voice))
	h.Write([]byte{0})
	h.Write([]byte(language))
	return hex.EncodeToString(h.Sum(nil))
}

func truncateRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
