package detect

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// Grabber decodes a camera's substream into grayscale analysis frames
// using an ffmpeg child process. Frames come out at analysisFPS and a
// fixed analysis resolution; detection does not need full quality.
type Grabber struct {
	url    string
	width  int
	height int
	logger *slog.Logger
}

const (
	analysisWidth  = 640
	analysisHeight = 360
)

func NewGrabber(url string) *Grabber {
	return &Grabber{
		url:    url,
		width:  analysisWidth,
		height: analysisHeight,
		logger: slog.Default().With("component", "grabber"),
	}
}

// Run decodes frames into out until the stream ends or ctx is
// cancelled. The channel is closed on return. Callers restart on error
// with their own backoff.
func (g *Grabber) Run(ctx context.Context, out chan<- Frame) error {
	defer close(out)

	args := []string{
		"-rtsp_transport", "tcp",
		"-i", g.url,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", analysisFPS, g.width, g.height),
		"-pix_fmt", "gray",
		"-f", "rawvideo",
		"-",
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	frameSize := g.width * g.height
	buf := make([]byte, frameSize)
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			_ = cmd.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("frame read failed: %w", err)
		}

		frame := Frame{
			Pixels: append([]byte(nil), buf...),
			Width:  g.width,
			Height: g.height,
			Time:   time.Now().UTC(),
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return ctx.Err()
		}
	}
}

// SnapshotJPEG grabs a single JPEG frame from the stream, for the
// object-detector stage.
func SnapshotJPEG(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := []string{
		"-rtsp_transport", "tcp",
		"-i", url,
		"-vframes", "1",
		"-q:v", "4",
		"-vf", "scale=" + strconv.Itoa(analysisWidth) + ":-2",
		"-f", "image2",
		"-",
	}
	output, err := exec.CommandContext(ctx, "ffmpeg", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("snapshot failed: %w", err)
	}
	return output, nil
}
