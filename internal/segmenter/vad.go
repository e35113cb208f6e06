package segmenter

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
)

// ErrMisalignedPCM is returned when a chunk does not hold whole 16-bit samples.
var ErrMisalignedPCM = errors.New("pcm chunk not aligned to 16-bit samples")

// VADState is the detector's view of the stream after a chunk.
type VADState struct {
	IsSpeech        bool
	SpeechDuration  time.Duration
	SilenceDuration time.Duration
	Confidence      float64
}

// Detector classifies PCM S16LE chunks as speech or silence.
type Detector interface {
	Process(chunk []byte) (VADState, error)
}

// EnergyVAD flags speech when frame energy stays above an adaptive
// threshold for the majority of a smoothing window.
type EnergyVAD struct {
	threshold  float64
	ratio      float64
	frameBytes int
	frameDur   time.Duration

	residual   []byte
	window     []bool
	next       int
	filled     int
	noiseFloor float64
	state      VADState
}

var _ Detector = (*EnergyVAD)(nil)

func NewEnergyVAD(cfg config.SegmenterConfig) *EnergyVAD {
	frameMS := cfg.FrameDurationMS
	if frameMS <= 0 {
		frameMS = 20
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	smoothing := cfg.SmoothingFrames
	if smoothing <= 0 {
		smoothing = 1
	}
	ratio := cfg.NoiseFloorRatio
	if ratio <= 0 {
		ratio = 1
	}
	frameBytes := cfg.SampleRate * channels * 2 * frameMS / 1000
	if frameBytes < 2 {
		frameBytes = 2
	}
	frameBytes -= frameBytes % 2
	return &EnergyVAD{
		threshold:  cfg.EnergyThreshold,
		ratio:      ratio,
		frameBytes: frameBytes,
		frameDur:   time.Duration(frameMS) * time.Millisecond,
		window:     make([]bool, smoothing),
		noiseFloor: cfg.EnergyThreshold / ratio,
	}
}

func (v *EnergyVAD) Process(chunk []byte) (VADState, error) {
	if len(chunk)%2 != 0 {
		return v.state, ErrMisalignedPCM
	}
	v.residual = append(v.residual, chunk...)
	for len(v.residual) >= v.frameBytes {
		frame := v.residual[:v.frameBytes]
		v.processFrame(frame)
		v.residual = v.residual[v.frameBytes:]
	}
	if len(v.residual) == 0 {
		v.residual = nil
	}
	return v.state, nil
}

func (v *EnergyVAD) processFrame(frame []byte) {
	rms := RMS(frame)
	limit := math.Max(v.threshold, v.noiseFloor*v.ratio)
	// Broadband hiss crosses zero on almost every sample; voiced speech does not.
	voiced := rms > limit && zeroCrossingRate(frame) < 0.45
	if !voiced {
		v.noiseFloor = 0.95*v.noiseFloor + 0.05*rms
	}

	v.window[v.next] = voiced
	v.next = (v.next + 1) % len(v.window)
	if v.filled < len(v.window) {
		v.filled++
	}
	votes := 0
	for i := 0; i < v.filled; i++ {
		if v.window[i] {
			votes++
		}
	}
	v.state.Confidence = float64(votes) / float64(len(v.window))
	speech := votes*2 > len(v.window) || (v.state.IsSpeech && votes > 0)

	if speech {
		if !v.state.IsSpeech {
			v.state.SpeechDuration = 0
		}
		v.state.SpeechDuration += v.frameDur
		v.state.SilenceDuration = 0
	} else {
		if v.state.IsSpeech {
			v.state.SilenceDuration = 0
		}
		v.state.SilenceDuration += v.frameDur
	}
	v.state.IsSpeech = speech
}

// RMS returns the normalized root-mean-square energy of PCM S16LE samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func zeroCrossingRate(pcm []byte) float64 {
	n := len(pcm) / 2
	if n < 2 {
		return 0
	}
	crossings := 0
	prev := int16(binary.LittleEndian.Uint16(pcm))
	for i := 1; i < n; i++ {
		cur := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if (prev >= 0) != (cur >= 0) {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(n-1)
}
