package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"
)

// DefaultFPS is the frame rate used when a capturer leaves it unset.
const DefaultFPS = 15

// FrameSource yields encoded VP8 frames.
type FrameSource interface {
	NextFrame() ([]byte, error)
	Close() error
}

// SampleTrack feeds frames from a FrameSource into a pion sample track until stopped.
type SampleTrack struct {
	local    *webrtc.TrackLocalStaticSample
	src      FrameSource
	interval time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

// NewSampleTrack creates a VP8 track and starts its frame pump.
func NewSampleTrack(id string, src FrameSource, fps int) (*SampleTrack, error) {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if id == "" {
		id = "camera-" + uuid.NewString()
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	if err != nil {
		return nil, fmt.Errorf("new sample track: %w", err)
	}

	t := &SampleTrack{
		local:    local,
		src:      src,
		interval: time.Second / time.Duration(fps),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.pump()
	return t, nil
}

func (t *SampleTrack) pump() {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		frame, err := t.src.NextFrame()
		if err != nil {
			log.Warn().Err(err).Str("track", t.ID()).Msg("Frame source ended")
			return
		}
		if err := t.local.WriteSample(pionmedia.Sample{Data: frame, Duration: t.interval}); err != nil {
			log.Debug().Err(err).Str("track", t.ID()).Msg("Write sample")
		}
	}
}

func (t *SampleTrack) ID() string { return t.local.ID() }

// Local returns the pion track to attach to a peer connection.
func (t *SampleTrack) Local() webrtc.TrackLocal { return t.local }

// Stop halts the frame pump and closes the source. Safe to call repeatedly.
func (t *SampleTrack) Stop() error {
	t.once.Do(func() {
		close(t.stop)
		<-t.done
		t.err = t.src.Close()
	})
	return t.err
}

// IVFCapturer plays a VP8 IVF file in a loop as the camera.
type IVFCapturer struct {
	Path string
	FPS  int
}

func (c IVFCapturer) Capture(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Path == "" {
		return nil, errors.New("no capture file configured")
	}
	src, err := OpenIVF(c.Path)
	if err != nil {
		return nil, err
	}
	track, err := NewSampleTrack("", src, c.FPS)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return track, nil
}

// IVFSource reads VP8 frames from an IVF file, rewinding at the end.
type IVFSource struct {
	f      *os.File
	reader *ivfreader.IVFReader
}

// OpenIVF opens path and checks that it holds VP8.
func OpenIVF(path string) (*IVFSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		_ = f.Close()
		return nil, fmt.Errorf("unsupported codec %q", header.FourCC)
	}
	return &IVFSource{f: f, reader: reader}, nil
}

func (s *IVFSource) NextFrame() ([]byte, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if !errors.Is(err, io.EOF) {
		return frame, err
	}

	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := ivfreader.NewWith(s.f)
	if err != nil {
		return nil, err
	}
	s.reader = reader
	frame, _, err = s.reader.ParseNextFrame()
	return frame, err
}

func (s *IVFSource) Close() error {
	return s.f.Close()
}
