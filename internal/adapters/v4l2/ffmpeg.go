// Package v4l2 captures a V4L2 camera through ffmpeg and yields VP8 frames.
package v4l2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/edgecam/edgecam/internal/core"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultOpenTimeout bounds the wait for ffmpeg's first output.
const DefaultOpenTimeout = 10 * time.Second

type Config struct {
	Device      string
	Width       int
	Height      int
	FPS         int
	Bitrate     string
	FFmpegPath  string
	OpenTimeout time.Duration
}

// Camera opens the device by spawning one ffmpeg process per Open.
type Camera struct {
	cfg    Config
	logger zerolog.Logger
}

func NewCamera(cfg Config) *Camera {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	return &Camera{
		cfg:    cfg,
		logger: log.With().Str("module", "v4l2").Str("device", cfg.Device).Logger(),
	}
}

// Args is the ffmpeg command line: raw V4L2 in, realtime VP8 in IVF out.
func (c *Camera) Args() []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
	}
	if c.cfg.Width > 0 && c.cfg.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height))
	}
	if c.cfg.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.cfg.FPS))
	}
	args = append(args, "-i", c.cfg.Device,
		"-c:v", "libvpx",
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-lag-in-frames", "0",
		"-error-resilient", "1",
	)
	if c.cfg.Bitrate != "" {
		args = append(args, "-b:v", c.cfg.Bitrate)
	}
	if c.cfg.FPS > 0 {
		args = append(args, "-g", strconv.Itoa(c.cfg.FPS))
	}
	return append(args, "-an", "-f", "ivf", "pipe:1")
}

// Open starts ffmpeg and waits for the IVF header, so a missing, busy or
// stalled device is reported here rather than on the first read.
func (c *Camera) Open(ctx context.Context) (core.FrameReader, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	cmd := exec.Command(c.cfg.FFmpegPath, c.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	s := &stream{cmd: cmd, logger: c.logger, stderrDone: make(chan struct{})}
	go func() {
		defer close(s.stderrDone)
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			c.logger.Warn().Str("ffmpeg", sc.Text()).Msg("ffmpeg output")
		}
	}()

	type result struct {
		r   *ivfreader.IVFReader
		err error
	}
	ready := make(chan result, 1)
	go func() {
		r, hdr, err := ivfreader.NewWith(stdout)
		if err == nil {
			c.logger.Info().
				Str("fourcc", hdr.FourCC).
				Uint16("width", hdr.Width).
				Uint16("height", hdr.Height).
				Msg("camera stream opened")
		}
		ready <- result{r: r, err: err}
	}()

	select {
	case res := <-ready:
		if res.err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("read stream header: %w", res.err)
		}
		s.reader = res.r
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("wait for stream header: %w", ctx.Err())
	}
}

type stream struct {
	cmd    *exec.Cmd
	reader *ivfreader.IVFReader
	logger zerolog.Logger
	// stderrDone is closed once ffmpeg's stderr has been drained.
	stderrDone chan struct{}

	once sync.Once
	err  error
}

func (s *stream) ReadFrame() (core.Frame, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("camera stream ended: %w", err)
		}
		return nil, err
	}
	return core.Frame(frame), nil
}

// Close stops ffmpeg and reaps it once its stderr reader has finished.
func (s *stream) Close() error {
	s.once.Do(func() {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.err = err
		}
		<-s.stderrDone
		if err := s.cmd.Wait(); err != nil {
			s.logger.Debug().Err(err).Msg("ffmpeg exited")
		}
	})
	return s.err
}
