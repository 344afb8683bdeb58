package speech

import (
	"encoding/binary"
	"math"
	"time"
)

// levelGain maps conversational speech RMS (around -30 dBFS) to the upper
// half of the meter.
const levelGain = 8.0

// RMSLevel returns the loudness of s16le PCM in [0, 1]. A trailing odd byte
// is ignored.
func RMSLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768
	return math.Min(1, rms*levelGain)
}

// levelLimiter passes at most one level per interval.
type levelLimiter struct {
	interval time.Duration
	last     time.Time
	peak     float64
}

// offer records a level and reports the peak since the last emission when
// one is due.
func (l *levelLimiter) offer(now time.Time, level float64) (float64, bool) {
	if level > l.peak {
		l.peak = level
	}
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		return 0, false
	}
	out := l.peak
	l.last = now
	l.peak = 0
	return out, true
}
