package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// VideoMeta describes an opened camera video.
type VideoMeta struct {
	FPS        float64
	Duration   float64 // seconds
	FrameCount int64
	Width      int
	Height     int
}

// Image is one decoded frame in packed RGB24 order, len(Pixels) = W*H*3.
type Image struct {
	Width  int
	Height int
	Pixels []byte
}

// FrameSource seeks and decodes single frames from one camera video.
type FrameSource interface {
	Meta() VideoMeta
	FrameAt(ctx context.Context, frameNumber int64) (*Image, error)
	Close() error
}

// SourceOpener opens a FrameSource for a local video file. The default
// shells out to ffprobe/ffmpeg; tests substitute fakes.
type SourceOpener func(ctx context.Context, path string) (FrameSource, error)

// OpenVideo probes the file with ffprobe and returns an ffmpeg-backed
// frame source.
func OpenVideo(ctx context.Context, path string) (FrameSource, error) {
	meta, err := probeVideo(ctx, path)
	if err != nil {
		return nil, err
	}
	return &ffmpegSource{path: path, meta: meta}, nil
}

type ffmpegSource struct {
	path string
	meta VideoMeta
}

func (s *ffmpegSource) Meta() VideoMeta {
	return s.meta
}

// FrameAt seeks to frameNumber/fps and decodes exactly one frame as raw
// RGB24. One ffmpeg process per frame keeps the decoder stateless at the
// cost of re-seeking; merge is offline so throughput wins over latency.
func (s *ffmpegSource) FrameAt(ctx context.Context, frameNumber int64) (*Image, error) {
	if frameNumber < 0 || frameNumber >= s.meta.FrameCount {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", frameNumber, s.meta.FrameCount)
	}
	seek := float64(frameNumber) / s.meta.FPS

	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(seek, 'f', 6, 64),
		"-i", s.path,
		"-frames:v", "1",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode frame %d: %w (%s)", frameNumber, err, strings.TrimSpace(stderr.String()))
	}

	want := s.meta.Width * s.meta.Height * 3
	pixels := stdout.Bytes()
	if len(pixels) < want {
		return nil, fmt.Errorf("short frame read: got %d bytes, want %d", len(pixels), want)
	}

	return &Image{
		Width:  s.meta.Width,
		Height: s.meta.Height,
		Pixels: pixels[:want],
	}, nil
}

func (s *ffmpegSource) Close() error {
	return nil
}

type probeOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		NBFrames   string `json:"nb_frames"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func probeVideo(ctx context.Context, path string) (VideoMeta, error) {
	cmd := exec.CommandContext(ctx,
		"ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,nb_frames,duration",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return VideoMeta{}, fmt.Errorf("ffprobe %s: %w (%s)", path, err, strings.TrimSpace(stderr.String()))
	}

	var probe probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &probe); err != nil {
		return VideoMeta{}, fmt.Errorf("parse ffprobe output for %s: %w", path, err)
	}
	if len(probe.Streams) == 0 {
		return VideoMeta{}, fmt.Errorf("no video stream in %s", path)
	}
	stream := probe.Streams[0]

	meta := VideoMeta{Width: stream.Width, Height: stream.Height}
	meta.FPS = parseFrameRate(stream.RFrameRate)
	if meta.FPS <= 0 {
		return VideoMeta{}, fmt.Errorf("invalid frame rate %q in %s", stream.RFrameRate, path)
	}

	if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
		meta.Duration = d
	} else if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		meta.Duration = d
	}

	if n, err := strconv.ParseInt(stream.NBFrames, 10, 64); err == nil {
		meta.FrameCount = n
	} else {
		meta.FrameCount = int64(meta.Duration * meta.FPS)
	}
	return meta, nil
}

// parseFrameRate converts ffprobe's "num/den" form ("30000/1001") to fps.
func parseFrameRate(raw string) float64 {
	num, den, found := strings.Cut(raw, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
