package core

import "time"

// AudioClip is one synthesized span of telephony audio. The pipeline
// works exclusively in 8kHz mono mu-law, one byte per sample.
type AudioClip struct {
	Data       []byte // Encoded mu-law audio data.
	SampleRate int    // Sample rate of the audio data.
}

func (c *AudioClip) Duration() time.Duration {
	if c.SampleRate == 0 || len(c.Data) == 0 {
		return 0
	}
	return time.Duration(len(c.Data)) * time.Second / time.Duration(c.SampleRate)
}

func (c *AudioClip) Empty() bool {
	return len(c.Data) == 0
}
