package merge

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// Features declares the per-frame vector layout of an episode. Camera
// image features are inferred from the frames actually appended.
type Features struct {
	ObservationNames []string
	ActionNames      []string
	RobotType        string
}

// EpisodeFrame is one merged record ready for dataset emission.
type EpisodeFrame struct {
	Index     int64
	Timestamp float64
	State     []float32
	Action    []float32
	Images    map[string]*Image
}

// EpisodeWriter is the dataset library boundary. Append errors propagate
// to the caller; the merge makes no attempt to repair a partial episode.
type EpisodeWriter interface {
	Append(frame EpisodeFrame) error
	Finalize() (string, error)
}

// WriterFactory builds an EpisodeWriter for one merge run.
type WriterFactory func(outputDir, repoID string, features Features, fps int) (EpisodeWriter, error)

// localEpisodeWriter emits a single-episode dataset on the local
// filesystem:
//
//	{output}/{repo_id}/meta/info.json          feature schema + totals
//	{output}/{repo_id}/data/episode_000000.cbor one CBOR record per frame
//	{output}/{repo_id}/images/{camera}/frame_{index}.png
type localEpisodeWriter struct {
	root     string
	features Features
	fps      int

	records    []cborFrame
	imageShape map[string][2]int // camera -> (H, W)
}

type cborFrame struct {
	FrameIndex int64             `cbor:"frame_index"`
	Timestamp  float64           `cbor:"timestamp"`
	State      []float32         `cbor:"observation.state"`
	Action     []float32         `cbor:"action"`
	ImagePaths map[string]string `cbor:"image_paths,omitempty"`
}

// NewLocalEpisodeWriter creates the dataset directory tree.
func NewLocalEpisodeWriter(outputDir, repoID string, features Features, fps int) (EpisodeWriter, error) {
	root := filepath.Join(outputDir, repoID)
	for _, sub := range []string{"meta", "data", "images"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create dataset dir: %w", err)
		}
	}
	return &localEpisodeWriter{
		root:       root,
		features:   features,
		fps:        fps,
		imageShape: make(map[string][2]int),
	}, nil
}

func (w *localEpisodeWriter) Append(frame EpisodeFrame) error {
	record := cborFrame{
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp,
		State:      frame.State,
		Action:     frame.Action,
	}

	for camera, img := range frame.Images {
		if img == nil {
			continue
		}
		relPath := filepath.Join("images", camera, fmt.Sprintf("frame_%06d.png", frame.Index))
		if err := writePNG(filepath.Join(w.root, relPath), img); err != nil {
			return fmt.Errorf("write image for camera %s: %w", camera, err)
		}
		if record.ImagePaths == nil {
			record.ImagePaths = make(map[string]string)
		}
		record.ImagePaths[camera] = relPath
		w.imageShape[camera] = [2]int{img.Height, img.Width}
	}

	w.records = append(w.records, record)
	return nil
}

func (w *localEpisodeWriter) Finalize() (string, error) {
	payload, err := cbor.Marshal(w.records)
	if err != nil {
		return "", fmt.Errorf("encode episode: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.root, "data", "episode_000000.cbor"), payload, 0o644); err != nil {
		return "", fmt.Errorf("write episode: %w", err)
	}

	if err := w.writeInfo(); err != nil {
		return "", err
	}
	return w.root, nil
}

func (w *localEpisodeWriter) writeInfo() error {
	features := map[string]any{
		"observation.state": map[string]any{
			"dtype": "float32",
			"shape": []int{len(w.features.ObservationNames)},
			"names": w.features.ObservationNames,
		},
		"action": map[string]any{
			"dtype": "float32",
			"shape": []int{len(w.features.ActionNames)},
			"names": w.features.ActionNames,
		},
	}
	for camera, shape := range w.imageShape {
		features["observation.images."+camera] = map[string]any{
			"dtype": "uint8",
			"shape": []int{shape[0], shape[1], 3},
		}
	}

	info := map[string]any{
		"robot_type":     w.features.RobotType,
		"fps":            w.fps,
		"total_episodes": 1,
		"total_frames":   len(w.records),
		"features":       features,
	}

	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.root, "meta", "info.json"), payload, 0o644); err != nil {
		return fmt.Errorf("write info: %w", err)
	}
	return nil
}

// writePNG converts packed RGB24 to an image and writes it.
func writePNG(path string, img *Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			src := (y*img.Width + x) * 3
			dst := out.PixOffset(x, y)
			out.Pix[dst+0] = img.Pixels[src+0]
			out.Pix[dst+1] = img.Pixels[src+1]
			out.Pix[dst+2] = img.Pixels[src+2]
			out.Pix[dst+3] = 0xFF
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, out)
}
