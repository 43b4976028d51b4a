// Package audioutil converts between linear PCM and the G.711 mu-law
// encoding telephony media streams carry.
package audioutil

import (
	"time"

	"github.com/zaf/g711"
)

// TelephonySampleRate is the fixed media-stream rate (Hz).
const TelephonySampleRate = 8000

// PCM16ToUlaw converts little-endian 16-bit linear PCM to 8-bit mu-law.
func PCM16ToUlaw(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1] // drop a trailing half sample
	}
	return g711.EncodeUlaw(pcm)
}

// UlawToPCM16 expands 8-bit mu-law to little-endian 16-bit linear PCM.
func UlawToPCM16(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// UlawDuration returns the playback time of mu-law audio, one byte per sample.
func UlawDuration(data []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = TelephonySampleRate
	}
	return time.Duration(len(data)) * time.Second / time.Duration(sampleRate)
}
