package mic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegCapture opens the microphone by spawning ffmpeg and reading s16le
// PCM from its stdout. Killing the process is a full device release, which
// is exactly the guarantee the arbiter needs.
type FFmpegCapture struct {
	command     string
	inputFormat string
}

// NewFFmpegCapture creates a capture backend using the given ffmpeg binary.
// An empty command means "ffmpeg" from PATH; an empty format picks the
// platform default (pulse on Linux, avfoundation on macOS).
func NewFFmpegCapture(command, inputFormat string) *FFmpegCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		if runtime.GOOS == "darwin" {
			inputFormat = "avfoundation"
		} else {
			inputFormat = "pulse"
		}
	}
	return &FFmpegCapture{command: command, inputFormat: inputFormat}
}

// Open starts an ffmpeg capture of the requested device.
func (c *FFmpegCapture) Open(ctx context.Context, req DeviceRequest) (Stream, error) {
	if req.SampleRate <= 0 {
		req.SampleRate = 48000
	}
	if req.Channels <= 0 {
		req.Channels = 1
	}
	device := req.DeviceID
	if device == "" {
		device = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", device,
		"-ac", strconv.Itoa(req.Channels),
		"-ar", strconv.Itoa(req.SampleRate),
	}
	if !req.Raw {
		// Light high-pass to strip DC/rumble when processing is wanted.
		args = append(args, "-af", "highpass=f=80")
	}
	args = append(args, "-f", "s16le", "-")

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// ffmpeg fails fast on permission or device errors; give it a moment.
	select {
	case err := <-waitErr:
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "Permission denied") {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
		}
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "not found") || strings.Contains(lower, "no such") {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, msg)
		}
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, msg)
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegStream{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegStream struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close stops ffmpeg and waits for it to exit, so the device is guaranteed
// free when Close returns.
func (s *ffmpegStream) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})

	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Interrupt-driven exit codes are expected on Stop.
		return nil
	}
	return err
}
