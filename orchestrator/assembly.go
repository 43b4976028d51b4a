package orchestrator

import (
	"context"

	"callpipe/core"
	"callpipe/session"
	"callpipe/tts"
)

// synthResult pairs a sentence index with its audio or terminal failure.
type synthResult struct {
	index int
	clip  core.AudioClip
	err   error
}

// synthesize runs one sentence through the synthesizer and reports the
// result, whatever it is. Failures are logged and skipped downstream,
// never propagated.
func (o *Orchestrator) synthesize(ctx context.Context, sess *session.Session, index int, text string, results chan<- synthResult) {
	clip, err := o.tts.Synthesize(ctx, tts.Request{
		Text:     text,
		Language: sess.Language,
		Voice:    sess.Voice,
	})
	if err != nil {
		o.logger.Warn("sentence synthesis failed, skipping",
			"call_id", sess.CallID, "index", index, "error", err)
	}
	select {
	case results <- synthResult{index: index, clip: clip, err: err}:
	case <-ctx.Done():
	}
}

// release is the reassembly buffer: synthesis completes out of order,
// playback must not. It buffers results keyed by index and releases
// audio to the transport strictly by ascending index, skipping indices
// whose synthesis permanently failed. A later-arriving lower index
// delays already-buffered higher ones; a fast sentence 2 never plays
// before a slow sentence 1.
//
// totalCh tells the releaser how many sentences the turn produced, once
// the token stream has ended. Cancellation discards whatever has not
// been released yet.
func (o *Orchestrator) release(
	ctx context.Context,
	sess *session.Session,
	results <-chan synthResult,
	totalCh <-chan int,
	out chan<- []AudioSegment,
) {
	received := make(map[int]synthResult)
	var segments []AudioSegment
	next := 0
	total := -1

	for total < 0 || next < total {
		if ctx.Err() != nil {
			// turn cancelled: late results are discarded, not delivered
			out <- segments
			return
		}
		if r, ok := received[next]; ok {
			delete(received, next)
			if r.err == nil {
				o.deliver(sess, r.clip)
				segments = append(segments, AudioSegment{Index: r.index, Clip: r.clip})
			}
			next++
			continue
		}

		select {
		case r := <-results:
			received[r.index] = r
		case t := <-totalCh:
			total = t
			totalCh = nil
		case <-ctx.Done():
			out <- segments
			return
		}
	}

	out <- segments
}
