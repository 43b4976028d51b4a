package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Config controls sentence boundary detection. The floor and limit are
// configurable rather than constants so they can be tuned per language.
type Config struct {
	// MinSentenceLen is the shortest trimmed text emitted as a standalone
	// sentence mid-stream. Shorter candidates stay in the accumulator and
	// merge with subsequent text, so a clipped two-character remainder is
	// never sent to synthesis on its own.
	MinSentenceLen int `json:"min_sentence_len"`

	// MaxBufferLen forces a flush when the accumulator grows past it
	// without a boundary, splitting at the last whitespace before the
	// limit to preserve word integrity.
	MaxBufferLen int `json:"max_buffer_len"`

	// Terminators are the sentence-ending runes.
	Terminators string `json:"terminators"`
}

func DefaultConfig() Config {
	return Config{
		MinSentenceLen: 12,
		MaxBufferLen:   500,
		Terminators:    ".!?。！？",
	}
}

// Segmenter turns a stream of arbitrary text fragments into complete,
// speakable sentences, emitted in order through a callback. It performs
// no I/O and is reused across turns via Reset.
type Segmenter struct {
	config     Config
	onSentence func(index int, text string)

	buf  string
	full strings.Builder
	next int
}

func New(config Config, onSentence func(index int, text string)) *Segmenter {
	if config.MinSentenceLen <= 0 {
		config.MinSentenceLen = DefaultConfig().MinSentenceLen
	}
	if config.MaxBufferLen <= 0 {
		config.MaxBufferLen = DefaultConfig().MaxBufferLen
	}
	if config.Terminators == "" {
		config.Terminators = DefaultConfig().Terminators
	}
	return &Segmenter{
		config:     config,
		onSentence: onSentence,
	}
}

// Push appends a fragment to the accumulator and emits any complete
// sentences found. A boundary is a terminator rune followed by
// whitespace; a terminator at the very end of the accumulator waits for
// more text or for Flush, so "3." inside "3.14" is never cut.
func (s *Segmenter) Push(fragment string) {
	if fragment == "" {
		return
	}
	s.full.WriteString(fragment)
	s.buf += fragment
	s.scan()
}

// Flush emits any remaining accumulator content as a final sentence,
// regardless of the length floor, and returns the full concatenated
// text of the turn.
func (s *Segmenter) Flush() string {
	if trimmed := strings.TrimSpace(s.buf); trimmed != "" {
		s.emit(trimmed)
	}
	s.buf = ""
	return s.full.String()
}

// Reset clears all per-turn state so the segmenter can serve the next turn.
func (s *Segmenter) Reset() {
	s.buf = ""
	s.full.Reset()
	s.next = 0
}

// Count returns how many sentences have been emitted this turn.
func (s *Segmenter) Count() int {
	return s.next
}

func (s *Segmenter) scan() {
	from := 0
	for {
		cut := s.boundaryAfter(from)
		if cut < 0 {
			break
		}
		candidate := strings.TrimSpace(s.buf[:cut])
		if utf8.RuneCountInString(candidate) < s.config.MinSentenceLen {
			// Too short to speak alone; leave it in the accumulator and
			// look for the next boundary so it merges with what follows.
			from = cut
			continue
		}
		s.emit(candidate)
		s.buf = strings.TrimLeft(s.buf[cut:], " \t\r\n")
		from = 0
	}

	// No boundary in an oversized accumulator: force a split.
	for utf8.RuneCountInString(s.buf) > s.config.MaxBufferLen {
		s.forceFlush()
	}
}

// boundaryAfter returns the byte offset just past the first sentence
// boundary at or after from, or -1 when none is complete yet.
func (s *Segmenter) boundaryAfter(from int) int {
	for i := from; i < len(s.buf); {
		r, size := utf8.DecodeRuneInString(s.buf[i:])
		i += size
		if !strings.ContainsRune(s.config.Terminators, r) {
			continue
		}
		if i >= len(s.buf) {
			// Terminator at end of input: more fragments may still
			// arrive, Flush handles the true end of the stream.
			return -1
		}
		next, _ := utf8.DecodeRuneInString(s.buf[i:])
		if unicode.IsSpace(next) {
			return i
		}
	}
	return -1
}

// forceFlush splits the accumulator at the last whitespace before the
// limit, falling back to a hard cut when the text has no whitespace.
func (s *Segmenter) forceFlush() {
	limit := byteOffsetOfRune(s.buf, s.config.MaxBufferLen)
	cut := strings.LastIndexFunc(s.buf[:limit], unicode.IsSpace)
	if cut <= 0 {
		cut = limit
	}
	s.emit(strings.TrimSpace(s.buf[:cut]))
	s.buf = strings.TrimLeft(s.buf[cut:], " \t\r\n")
}

func (s *Segmenter) emit(text string) {
	if text == "" {
		return
	}
	index := s.next
	s.next++
	if s.onSentence != nil {
		s.onSentence(index, text)
	}
}

// byteOffsetOfRune returns the byte offset of the n-th rune in text, or
// len(text) when text has fewer runes.
func byteOffsetOfRune(text string, n int) int {
	count := 0
	for i := range text {
		if count == n {
			return i
		}
		count++
	}
	return len(text)
}
