package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FFmpeg wraps the external ffmpeg/ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

func NewFFmpeg() *FFmpeg {
	return &FFmpeg{ffmpegPath: "ffmpeg", ffprobePath: "ffprobe"}
}

// Probe extracts metadata from a media file.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*SegmentMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %w", err)
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	output, err := exec.CommandContext(ctx, f.ffprobePath, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probeData struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probeData); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	metadata := &SegmentMetadata{FileSize: info.Size()}
	if probeData.Format.Duration != "" {
		if duration, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
			metadata.Duration = duration
		}
	}
	for _, stream := range probeData.Streams {
		if stream.CodecType == "video" {
			metadata.Codec = stream.CodecName
			metadata.Resolution = fmt.Sprintf("%dx%d", stream.Width, stream.Height)
			break
		}
	}
	return metadata, nil
}

// Cut extracts [offset, offset+duration) from the concatenation of
// inputs into outPath without re-encoding. Inputs must share codecs,
// which archive segments from one camera do.
func (f *FFmpeg) Cut(ctx context.Context, inputs []string, offset, duration float64, outPath string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no input segments")
	}

	ctx, cancel := context.WithTimeout(ctx, clipTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create clip directory: %w", err)
	}

	var args []string
	var cleanup func()

	if len(inputs) == 1 {
		args = []string{
			"-ss", fmt.Sprintf("%.3f", offset),
			"-i", inputs[0],
		}
	} else {
		listFile, err := writeConcatList(inputs)
		if err != nil {
			return err
		}
		cleanup = func() { _ = os.Remove(listFile) }
		args = []string{
			"-f", "concat",
			"-safe", "0",
			"-ss", fmt.Sprintf("%.3f", offset),
			"-i", listFile,
		}
	}
	if cleanup != nil {
		defer cleanup()
	}

	args = append(args,
		"-t", fmt.Sprintf("%.3f", duration),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		outPath,
	)

	if output, err := exec.CommandContext(ctx, f.ffmpegPath, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg cut failed: %s: %w", tail(output), err)
	}
	return nil
}

// DumpLive records duration seconds from a live RTSP source into
// outPath without re-encoding. The caller's context bounds the whole
// recording.
func (f *FFmpeg) DumpLive(ctx context.Context, url string, duration float64, outPath string) error {
	if duration <= 0 {
		return fmt.Errorf("non-positive dump duration %.3f", duration)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create clip directory: %w", err)
	}

	args := []string{
		"-rtsp_transport", "tcp",
		"-i", url,
		"-t", fmt.Sprintf("%.3f", duration),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		outPath,
	}
	if output, err := exec.CommandContext(ctx, f.ffmpegPath, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg live dump failed: %s: %w", tail(output), err)
	}
	return nil
}

// Thumbnail extracts a single frame at offset, scaled down to at most
// 640px wide.
func (f *FFmpeg) Thumbnail(ctx context.Context, videoPath, outPath string, offset float64) error {
	ctx, cancel := context.WithTimeout(ctx, thumbnailTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	args := []string{
		"-ss", fmt.Sprintf("%.2f", offset),
		"-i", videoPath,
		"-vframes", "1",
		"-vf", "scale='min(640,iw)':-2",
		"-q:v", "2",
		"-y",
		outPath,
	}

	if output, err := exec.CommandContext(ctx, f.ffmpegPath, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail failed: %s: %w", tail(output), err)
	}
	return nil
}

func writeConcatList(inputs []string) (string, error) {
	tmp, err := os.CreateTemp("", "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create concat list: %w", err)
	}
	defer tmp.Close()

	for _, input := range inputs {
		// Concat-demuxer escaping: single quotes around the path.
		escaped := strings.ReplaceAll(input, "'", `'\''`)
		if _, err := fmt.Fprintf(tmp, "file '%s'\n", escaped); err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
	}
	return tmp.Name(), nil
}

// tail returns the last few lines of process output for error messages.
func tail(output []byte) string {
	s := strings.TrimSpace(string(output))
	lines := strings.Split(s, "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	return strings.Join(lines, "\n")
}
