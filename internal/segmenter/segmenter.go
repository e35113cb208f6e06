package segmenter

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/config"
)

// AudioSegment is a bounded piece of audio that likely holds one utterance.
// Offsets are relative to the start of the session stream.
type AudioSegment struct {
	ID            string
	Audio         []byte
	SampleRate    int
	Channels      int
	StartOffsetMS int64
	EndOffsetMS   int64
	IsSpeech      bool
	Forced        bool
}

func (s AudioSegment) Duration() time.Duration {
	return time.Duration(s.EndOffsetMS-s.StartOffsetMS) * time.Millisecond
}

// Stats counts segmenter decisions for one stream.
type Stats struct {
	Emitted       int
	Forced        int
	DroppedShort  int
	DroppedSilent int
	VADErrors     int
}

// Segmenter turns a live PCM stream into speech segments. It is owned by a
// single session and is not safe for concurrent use.
type Segmenter struct {
	cfg        config.SegmenterConfig
	vad        Detector
	log        *slog.Logger
	bytesPerMS float64

	offset    int64
	preRoll   []byte
	buf       []byte
	segStart  int64
	inSegment bool
	fallback  bool
	stats     Stats
}

func New(cfg config.SegmenterConfig, vad Detector, log *slog.Logger) *Segmenter {
	if vad == nil {
		vad = NewEnergyVAD(cfg)
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	cfg.Channels = channels
	return &Segmenter{
		cfg:        cfg,
		vad:        vad,
		log:        log.With(slog.String("component", "segmenter")),
		bytesPerMS: float64(cfg.SampleRate*channels*2) / 1000,
	}
}

// Process consumes one PCM chunk and returns any segments it closed.
func (s *Segmenter) Process(chunk []byte) []AudioSegment {
	if len(chunk) == 0 {
		return nil
	}
	chunkStart := s.offset
	s.offset += int64(len(chunk))

	if s.fallback {
		return s.processFallback(chunk, chunkStart)
	}

	state, err := s.vad.Process(chunk)
	if err != nil {
		s.stats.VADErrors++
		s.log.Warn("vad failed, switching to fixed-interval segmentation", slog.String("error", err.Error()))
		s.fallback = true
		return s.processFallback(chunk, chunkStart)
	}

	if !s.inSegment {
		if !state.IsSpeech {
			s.pushPreRoll(chunk)
			return nil
		}
		s.inSegment = true
		s.segStart = chunkStart - int64(len(s.preRoll))
		s.buf = append(s.preRoll, chunk...)
		s.preRoll = nil
		return nil
	}

	s.buf = append(s.buf, chunk...)
	if !state.IsSpeech && state.SilenceDuration >= s.ms(s.cfg.SilenceCloseMS) {
		return s.emit(false)
	}
	if s.overLimit() {
		out := s.emit(true)
		if state.IsSpeech {
			// keep capturing; the next segment starts where this one ended
			s.inSegment = true
			s.segStart = s.offset
		}
		return out
	}
	return nil
}

// Flush closes any in-flight buffer as a final segment. It is called when
// the session ends.
func (s *Segmenter) Flush() []AudioSegment {
	if len(s.buf) == 0 {
		s.inSegment = false
		return nil
	}
	audio := s.buf
	start := s.segStart
	s.buf = nil
	s.inSegment = false
	s.preRoll = nil
	seg := s.newSegment(audio, start, false)
	if RMS(audio) < s.cfg.NearSilenceRMS {
		s.stats.DroppedSilent++
		return nil
	}
	s.stats.Emitted++
	return []AudioSegment{seg}
}

// Fallback reports whether the segmenter degraded to fixed-interval slicing.
func (s *Segmenter) Fallback() bool { return s.fallback }

func (s *Segmenter) Stats() Stats { return s.stats }

func (s *Segmenter) processFallback(chunk []byte, chunkStart int64) []AudioSegment {
	if len(s.buf) == 0 {
		s.segStart = chunkStart
		s.buf = append(s.preRoll, chunk...)
		if len(s.preRoll) > 0 {
			s.segStart = chunkStart - int64(len(s.preRoll))
		}
		s.preRoll = nil
	} else {
		s.buf = append(s.buf, chunk...)
	}
	s.inSegment = true
	if s.bytesToMS(len(s.buf)) < int64(s.cfg.FallbackIntervalMS) {
		return nil
	}
	return s.emit(false)
}

func (s *Segmenter) emit(forced bool) []AudioSegment {
	audio := s.buf
	start := s.segStart
	s.buf = nil
	s.inSegment = false

	seg := s.newSegment(audio, start, forced)
	if !forced && !s.fallback && seg.EndOffsetMS-seg.StartOffsetMS < int64(s.cfg.MinSegmentMS) {
		s.stats.DroppedShort++
		return nil
	}
	if RMS(audio) < s.cfg.NearSilenceRMS {
		s.stats.DroppedSilent++
		return nil
	}
	s.stats.Emitted++
	if forced {
		s.stats.Forced++
	}
	return []AudioSegment{seg}
}

func (s *Segmenter) newSegment(audio []byte, start int64, forced bool) AudioSegment {
	return AudioSegment{
		ID:            uuid.NewString(),
		Audio:         audio,
		SampleRate:    s.cfg.SampleRate,
		Channels:      s.cfg.Channels,
		StartOffsetMS: s.bytesToMS(int(start)),
		EndOffsetMS:   s.bytesToMS(int(start) + len(audio)),
		IsSpeech:      !s.fallback,
		Forced:        forced,
	}
}

func (s *Segmenter) overLimit() bool {
	if s.cfg.MaxBufferBytes > 0 && len(s.buf) >= s.cfg.MaxBufferBytes {
		return true
	}
	return s.bytesToMS(len(s.buf)) >= int64(s.cfg.MaxSegmentMS)
}

func (s *Segmenter) pushPreRoll(chunk []byte) {
	limit := int(float64(s.cfg.PreRollMS) * s.bytesPerMS)
	limit -= limit % 2
	if limit <= 0 {
		return
	}
	s.preRoll = append(s.preRoll, chunk...)
	if over := len(s.preRoll) - limit; over > 0 {
		s.preRoll = append([]byte(nil), s.preRoll[over:]...)
	}
}

func (s *Segmenter) bytesToMS(n int) int64 {
	if s.bytesPerMS <= 0 {
		return 0
	}
	return int64(float64(n) / s.bytesPerMS)
}

func (s *Segmenter) ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
