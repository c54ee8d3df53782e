package orchestrator

import (
	"encoding/binary"
	"math"
)

// rms returns the root mean square of little-endian 16-bit PCM samples. A
// trailing odd byte is ignored.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func (o *Orchestrator) voiced(chunk []byte) bool {
	if o.cfg.SpeechRMS <= 0 {
		return true
	}
	return rms(chunk) >= float64(o.cfg.SpeechRMS)
}

// endpointReached reports whether the pending utterance is ready for a turn:
// either enough speech has accumulated or speech was followed by a long
// enough pause.
func (o *Orchestrator) endpointReached(s *session) bool {
	if s.voicedBytes == 0 {
		return false
	}
	if s.voicedBytes >= o.cfg.EndpointMinBytes {
		return true
	}
	return o.cfg.EndpointSilenceBytes > 0 && s.silentRun >= o.cfg.EndpointSilenceBytes
}
