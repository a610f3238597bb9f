package capture

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
)

type fakeEnergy struct {
	level float64
}

func (f *fakeEnergy) Energy() float64 { return f.level }

type fakeRecorder struct {
	starts int
	stops  int
}

func (r *fakeRecorder) Start() { r.starts++ }

func (r *fakeRecorder) Stop() []byte {
	r.stops++
	return []byte{1, 2, 3, 4}
}

func testConfig() Config {
	return Config{
		Threshold:            0.1,
		MinSpeech:            300 * time.Millisecond,
		TrailingSilence:      800 * time.Millisecond,
		NoSpeechTimeout:      5 * time.Second,
		MaxSegment:           10 * time.Second,
		TickInterval:         50 * time.Millisecond,
		MaxConsecutiveErrors: 2,
	}
}

// runTrace ticks the loop every step for the given duration at a fixed energy.
func runTrace(l *Loop, src *fakeEnergy, now *time.Time, level float64, d, step time.Duration) []TickResult {
	src.level = level
	var out []TickResult
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		*now = now.Add(step)
		if res := l.Tick(*now); res.Event != EventNone {
			out = append(out, res)
		}
	}
	return out
}

func countEvents(results []TickResult, ev Event) int {
	n := 0
	for _, r := range results {
		if r.Event == ev {
			n++
		}
	}
	return n
}

func TestContinuousSpeechEmitsExactlyOneSegment(t *testing.T) {
	cfg := testConfig()
	src := &fakeEnergy{}
	rec := &fakeRecorder{}
	l := NewLoop(cfg, src, rec, nil)
	now := time.Unix(1700000000, 0)

	var results []TickResult
	results = append(results, runTrace(l, src, &now, 0.5, 2*cfg.MinSpeech, cfg.TickInterval)...)
	results = append(results, runTrace(l, src, &now, 0.0, cfg.TrailingSilence+time.Second, cfg.TickInterval)...)

	if n := countEvents(results, EventSegment); n != 1 {
		t.Fatalf("segments = %d, want exactly 1", n)
	}
	if n := countEvents(results, EventSpeechStarted); n != 1 {
		t.Fatalf("speech starts = %d, want 1", n)
	}
	if rec.starts != 1 || rec.stops != 1 {
		t.Fatalf("recorder starts=%d stops=%d", rec.starts, rec.stops)
	}
	for _, r := range results {
		if r.Event == EventSegment && r.Segment.Forced {
			t.Fatal("segment should end on trailing silence, not the hard cap")
		}
	}
}

func TestShortBlipWaitsForMinimumSpeech(t *testing.T) {
	cfg := testConfig()
	src := &fakeEnergy{}
	l := NewLoop(cfg, src, &fakeRecorder{}, nil)
	now := time.Unix(1700000000, 0)

	runTrace(l, src, &now, 0.5, 100*time.Millisecond, 50*time.Millisecond)
	results := runTrace(l, src, &now, 0.0, 100*time.Millisecond, 50*time.Millisecond)
	if countEvents(results, EventSegment) != 0 {
		t.Fatal("segment emitted before trailing silence elapsed")
	}
	results = runTrace(l, src, &now, 0.0, 2*time.Second, 50*time.Millisecond)
	if countEvents(results, EventSegment) != 1 {
		t.Fatal("expected the blip to be emitted once silence elapsed")
	}
}

func TestHardCapForcesEmit(t *testing.T) {
	cfg := testConfig()
	src := &fakeEnergy{}
	l := NewLoop(cfg, src, &fakeRecorder{}, nil)
	now := time.Unix(1700000000, 0)

	results := runTrace(l, src, &now, 0.5, cfg.MaxSegment+time.Second, 100*time.Millisecond)
	var forced int
	for _, r := range results {
		if r.Event == EventSegment && r.Segment.Forced {
			forced++
		}
	}
	if forced != 1 {
		t.Fatalf("forced segments = %d, want 1", forced)
	}
}

func TestLoopPausesAfterSegmentUntilResume(t *testing.T) {
	cfg := testConfig()
	src := &fakeEnergy{}
	l := NewLoop(cfg, src, &fakeRecorder{}, nil)
	now := time.Unix(1700000000, 0)

	runTrace(l, src, &now, 0.5, time.Second, 50*time.Millisecond)
	runTrace(l, src, &now, 0.0, 2*time.Second, 50*time.Millisecond)

	if results := runTrace(l, src, &now, 0.5, time.Second, 50*time.Millisecond); len(results) != 0 {
		t.Fatalf("loop produced %v while paused", results)
	}

	l.Resume()
	results := runTrace(l, src, &now, 0.5, 100*time.Millisecond, 50*time.Millisecond)
	if countEvents(results, EventSpeechStarted) != 1 {
		t.Fatal("expected listening to resume")
	}
}

func TestPlaybackGate(t *testing.T) {
	cfg := testConfig()
	src := &fakeEnergy{}
	l := NewLoop(cfg, src, &fakeRecorder{}, nil)
	now := time.Unix(1700000000, 0)

	if err := l.BeginPlayback(); err != nil {
		t.Fatalf("BeginPlayback: %v", err)
	}
	if results := runTrace(l, src, &now, 0.9, time.Second, 50*time.Millisecond); len(results) != 0 {
		t.Fatal("agent playback must not start a segment")
	}
	l.EndPlayback()

	runTrace(l, src, &now, 0.9, 100*time.Millisecond, 50*time.Millisecond)
	if !l.Recording() {
		t.Fatal("expected recording after playback ended")
	}
	if err := l.BeginPlayback(); !errors.Is(err, ErrRecording) {
		t.Fatalf("BeginPlayback while recording = %v, want ErrRecording", err)
	}
}

func TestNoSpeechTimeoutIsBounded(t *testing.T) {
	cfg := testConfig()
	src := &fakeEnergy{}
	l := NewLoop(cfg, src, &fakeRecorder{}, nil)
	now := time.Unix(1700000000, 0)

	results := runTrace(l, src, &now, 0.0, cfg.NoSpeechTimeout+100*time.Millisecond, 100*time.Millisecond)
	if countEvents(results, EventNoSpeech) != 1 {
		t.Fatalf("results = %v, want one no-speech event", results)
	}
	if !errors.Is(results[0].Err, domain.ErrCapture) {
		t.Fatalf("err = %v, want capture error", results[0].Err)
	}
	if l.Stopped() {
		t.Fatal("one failure must not stop the loop")
	}

	runTrace(l, src, &now, 0.0, cfg.NoSpeechTimeout+100*time.Millisecond, 100*time.Millisecond)
	if !l.Stopped() {
		t.Fatal("loop should stop after MaxConsecutiveErrors")
	}
}

func TestSegmentResetsErrorBudget(t *testing.T) {
	cfg := testConfig()
	src := &fakeEnergy{}
	l := NewLoop(cfg, src, &fakeRecorder{}, nil)
	now := time.Unix(1700000000, 0)

	l.ReportError(errors.New("transcription timeout"))
	runTrace(l, src, &now, 0.5, time.Second, 50*time.Millisecond)
	runTrace(l, src, &now, 0.0, 2*time.Second, 50*time.Millisecond)
	l.Resume()
	l.ReportError(errors.New("empty transcript"))

	if l.Stopped() {
		t.Fatal("a successful segment should reset the consecutive error count")
	}
}

func pcmTone(amplitude int16, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		s := amplitude
		if i%2 == 1 {
			s = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(nil) = %v", got)
	}
	got := RMS(pcmTone(16384, 100))
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("RMS = %v, want 0.5", got)
	}
}

func TestMeterRecordsWithPreRoll(t *testing.T) {
	m := NewMeter(10*time.Millisecond, 10*time.Millisecond, time.Second)
	window := BytesFor(10 * time.Millisecond)

	samples := window / BytesPerSample

	_, _ = m.Write(pcmTone(100, samples))
	quiet := m.Energy()
	_, _ = m.Write(pcmTone(20000, samples))
	if m.Energy() <= quiet {
		t.Fatal("energy should rise with a louder window")
	}

	m.Start()
	_, _ = m.Write(pcmTone(20000, samples))
	seg := m.Stop()
	if len(seg) != window*2 {
		t.Fatalf("segment = %d bytes, want pre-roll plus recorded (%d)", len(seg), window*2)
	}

	_, _ = m.Write(pcmTone(20000, samples))
	if len(m.Stop()) != 0 {
		t.Fatal("writes after Stop must not be recorded")
	}
}

func TestMeterCapsSegment(t *testing.T) {
	m := NewMeter(10*time.Millisecond, 0, 10*time.Millisecond)
	m.Start()
	n, err := m.Write(pcmTone(1, BytesFor(50*time.Millisecond)))
	if err != nil || n != BytesFor(50*time.Millisecond)*2 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := len(m.Stop()); got != BytesFor(10*time.Millisecond) {
		t.Fatalf("segment = %d bytes, want cap %d", got, BytesFor(10*time.Millisecond))
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := pcmTone(1000, 8)
	wav := EncodeWAV(pcm, SampleRate)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("bad header %q", wav[:44])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != SampleRate {
		t.Fatalf("sample rate = %d", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); int(size) != len(pcm) {
		t.Fatalf("data size = %d", size)
	}
}

func TestDecodeULaw(t *testing.T) {
	pcm := DecodeULaw([]byte{0xFF, 0x7F, 0x00})
	if len(pcm) != 6 {
		t.Fatalf("len = %d", len(pcm))
	}
	if s := int16(binary.LittleEndian.Uint16(pcm[0:])); s != 0 {
		t.Errorf("0xFF = %d, want 0", s)
	}
	if s := int16(binary.LittleEndian.Uint16(pcm[4:])); s != -32124 {
		t.Errorf("0x00 = %d, want -32124", s)
	}
}

func TestMeterKeepsSampleAlignmentAcrossOddWrites(t *testing.T) {
	m := NewMeter(10*time.Millisecond, 0, time.Second)
	pcm := pcmTone(16384, BytesFor(10*time.Millisecond)/BytesPerSample*2)

	m.Start()
	sizes := []int{1, 3, 5, 7, 2, 9}
	for written, i := 0, 0; written < len(pcm); i++ {
		end := min(written+sizes[i%len(sizes)], len(pcm))
		n, err := m.Write(pcm[written:end])
		if err != nil || n != end-written {
			t.Fatalf("Write = %d, %v", n, err)
		}
		written = end
	}

	if got := m.Energy(); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("Energy = %v, want 0.5", got)
	}
	seg := m.Stop()
	if len(seg) != len(pcm) {
		t.Fatalf("segment = %d bytes, want %d", len(seg), len(pcm))
	}
	if RMS(seg) != RMS(pcm) {
		t.Fatal("segment samples were split")
	}
}
