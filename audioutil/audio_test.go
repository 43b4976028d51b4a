package audioutil

import (
	"testing"
	"time"
)

func TestPCM16RoundTripKeepsSampleCount(t *testing.T) {
	pcm := make([]byte, 320) // 160 16-bit samples
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}

	ulaw := PCM16ToUlaw(pcm)
	if len(ulaw) != 160 {
		t.Fatalf("expected 160 mu-law samples, got %d", len(ulaw))
	}

	back := UlawToPCM16(ulaw)
	if len(back) != 320 {
		t.Fatalf("expected 320 PCM bytes back, got %d", len(back))
	}
}

func TestPCM16ToUlawDropsTrailingHalfSample(t *testing.T) {
	ulaw := PCM16ToUlaw(make([]byte, 321))
	if len(ulaw) != 160 {
		t.Fatalf("expected odd trailing byte dropped, got %d samples", len(ulaw))
	}
}

func TestUlawDuration(t *testing.T) {
	if d := UlawDuration(make([]byte, 8000), 8000); d != time.Second {
		t.Fatalf("expected 1s for 8000 samples at 8kHz, got %v", d)
	}
	if d := UlawDuration(make([]byte, 640), 0); d != 80*time.Millisecond {
		t.Fatalf("expected 80ms with default rate, got %v", d)
	}
}
