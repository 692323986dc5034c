package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/voxloop/voxloop/pkg/core/turn"
)

const micReadSize = 1024

// ffmpegMicrophone captures microphone audio by running ffmpeg and
// reading raw s16le PCM from its stdout. It implements turn.Microphone.
type ffmpegMicrophone struct {
	audio turn.AudioConfig
}

func newFFmpegMicrophone(audio turn.AudioConfig) *ffmpegMicrophone {
	return &ffmpegMicrophone{audio: audio}
}

func (m *ffmpegMicrophone) Acquire(ctx context.Context) (turn.RecordStream, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micFFmpegArgs(runtime.GOOS, m.audio)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}

	s := &ffmpegStream{
		cmd:    cmd,
		stdout: stdout,
		frags:  make(chan []byte, 64),
	}
	go s.readLoop()
	return s, nil
}

func micFFmpegArgs(goos string, audio turn.AudioConfig) ([]string, error) {
	rate := fmt.Sprintf("%d", audio.SampleRate)
	channels := fmt.Sprintf("%d", audio.Channels)
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", channels, "-ar", rate,
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", channels, "-ar", rate,
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	frags  chan []byte

	stopped   atomic.Bool
	closeOnce sync.Once
}

func (s *ffmpegStream) readLoop() {
	defer close(s.frags)
	buf := make([]byte, micReadSize)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			s.frags <- frame
		}
		if err != nil {
			s.stopped.Store(true)
			return
		}
	}
}

func (s *ffmpegStream) Fragments() <-chan []byte { return s.frags }

func (s *ffmpegStream) Running() bool { return !s.stopped.Load() }

// Resume is a no-op; a dead ffmpeg process is not restartable in place.
func (s *ffmpegStream) Resume() error { return nil }

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
		_ = s.stdout.Close()
	})
	return nil
}

// ffplayPlayer plays reply audio by piping it to a fresh ffplay
// process per reply and waiting for it to exit. The exchange service
// returns encoded audio (wav or mp3), which ffplay autodetects from
// the stream. It implements turn.Player.
type ffplayPlayer struct{}

func newFFplayPlayer() (*ffplayPlayer, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	return &ffplayPlayer{}, nil
}

func (p *ffplayPlayer) Play(ctx context.Context, audio []byte) error {
	cmd := exec.CommandContext(ctx, "ffplay",
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}

	if _, err := stdin.Write(audio); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("write to ffplay: %w", err)
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffplay: %w", err)
	}
	return nil
}
