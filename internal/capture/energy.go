// Package capture detects utterances in a live microphone stream by signal
// energy and hands finished segments to the conversation.
package capture

import (
	"math"
	"sync"
	"time"
)

// PCM format of everything this package reads: 16-bit signed little-endian
// mono.
const (
	SampleRate     = 16000
	BytesPerSample = 2
)

// BytesFor returns the byte length of d at SampleRate.
func BytesFor(d time.Duration) int {
	return int(d.Seconds()*SampleRate) * BytesPerSample
}

// RMS returns the root-mean-square energy of 16-bit little-endian PCM,
// normalized to 0..1.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// EnergySource reports the instantaneous energy of the input.
type EnergySource interface {
	Energy() float64
}

// Recorder captures audio between Start and Stop.
type Recorder interface {
	Start()
	Stop() []byte
}

// Meter is an io.Writer fed with raw PCM. It serves as both EnergySource
// and Recorder. A short pre-roll is kept so the first syllable that
// crossed the threshold is part of the segment.
type Meter struct {
	window  *Ring
	preRoll *Ring

	mu        sync.Mutex
	recording bool
	segment   []byte
	maxBytes  int

	// Trailing byte of an odd-length write, held until its pair arrives.
	carry    byte
	hasCarry bool
}

// NewMeter creates a meter measuring energy over window and retaining
// preRoll of audio before Start. Segments are capped at maxSegment.
func NewMeter(window, preRoll, maxSegment time.Duration) *Meter {
	m := &Meter{
		window:   NewRing(BytesFor(window)),
		maxBytes: BytesFor(maxSegment),
	}
	if preRoll > 0 {
		m.preRoll = NewRing(BytesFor(preRoll))
	}
	return m
}

// Write implements io.Writer. Only whole samples reach the meter; an odd
// trailing byte is prepended to the next write.
func (m *Meter) Write(p []byte) (int, error) {
	n := len(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasCarry {
		p = append([]byte{m.carry}, p...)
		m.hasCarry = false
	}
	if len(p)%BytesPerSample != 0 {
		m.carry, m.hasCarry = p[len(p)-1], true
		p = p[:len(p)-1]
	}
	if len(p) == 0 {
		return n, nil
	}

	_, _ = m.window.Write(p)
	if m.preRoll != nil {
		_, _ = m.preRoll.Write(p)
	}
	if m.recording && len(m.segment) < m.maxBytes {
		room := m.maxBytes - len(m.segment)
		if len(p) > room {
			p = p[:room]
		}
		m.segment = append(m.segment, p...)
	}
	return n, nil
}

// Energy implements EnergySource.
func (m *Meter) Energy() float64 {
	return RMS(m.window.Bytes())
}

// Start implements Recorder.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = true
	m.segment = m.segment[:0]
	if m.preRoll != nil {
		m.segment = append(m.segment, m.preRoll.Bytes()...)
	}
}

// Stop implements Recorder.
func (m *Meter) Stop() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = false
	out := m.segment
	m.segment = nil
	return out
}
