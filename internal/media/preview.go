package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/imthatdev/swush/internal/pipeline"
	"github.com/imthatdev/swush/internal/storage"
	"github.com/imthatdev/swush/pkg/models"
)

const (
	defaultPreviewWidth  = 480
	defaultPreviewHeight = 480
	previewJPEGQuality   = 85
)

// PreviewResult is persisted on a ready preview row.
type PreviewResult struct {
	OutputKey string `json:"output_key"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// PreviewProcessor produces a static JPEG thumbnail for image and video
// sources. Video frames are extracted with ffmpeg, then resized like images.
type PreviewProcessor struct {
	gateway storage.Gateway
	ffmpeg  *FFmpeg
	ffprobe *FFprobe
}

// NewPreviewProcessor builds a preview processor. ffprobe may be nil, in
// which case frame extraction falls back to trial and error on short clips.
func NewPreviewProcessor(gw storage.Gateway, ffmpeg *FFmpeg, ffprobe *FFprobe) *PreviewProcessor {
	return &PreviewProcessor{gateway: gw, ffmpeg: ffmpeg, ffprobe: ffprobe}
}

func (p *PreviewProcessor) Process(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params pipeline.PreviewParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	width, height := params.Width, params.Height
	if width <= 0 {
		width = defaultPreviewWidth
	}
	if height <= 0 {
		height = defaultPreviewHeight
	}

	payload, contentType, err := p.gateway.Read(ctx, job.OwnerID, job.SubjectKey)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	var img image.Image
	switch classify(contentType, job.SubjectKey) {
	case classImage:
		img, err = imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
	case classVideo:
		img, err = p.extractFrame(ctx, payload, job.SubjectKey)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("source %q is not an image or video object (content type %q)", job.SubjectKey, contentType)
	}

	thumb := imaging.Fit(img, width, height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(previewJPEGQuality)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	outKey := job.SubjectKey + "-preview.jpg"
	if err := p.gateway.Put(ctx, job.OwnerID, outKey, "image/jpeg", buf.Bytes()); err != nil {
		return nil, fmt.Errorf("store thumbnail: %w", err)
	}

	bounds := thumb.Bounds()
	return json.Marshal(PreviewResult{
		OutputKey: outKey,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
	})
}

// extractFrame grabs a frame one second in. When ffprobe is available the
// clip is probed first and sub-second clips seek to zero directly; otherwise
// a failed seek falls back to the first frame.
func (p *PreviewProcessor) extractFrame(ctx context.Context, payload []byte, name string) (image.Image, error) {
	dir, err := os.MkdirTemp("", "swush-preview-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in"+filepath.Ext(name))
	out := filepath.Join(dir, "frame.jpg")
	if err := os.WriteFile(in, payload, 0o600); err != nil {
		return nil, fmt.Errorf("write temp input: %w", err)
	}

	seek := "1"
	if p.ffprobe != nil {
		if d, perr := p.ffprobe.Duration(ctx, in); perr == nil && d < 2*time.Second {
			seek = "0"
		}
	}

	err = p.ffmpeg.Run(ctx, "-ss", seek, "-i", in, "-frames:v", "1", out)
	if err != nil && seek != "0" {
		err = p.ffmpeg.Run(ctx, "-i", in, "-frames:v", "1", out)
	}
	if err != nil {
		return nil, fmt.Errorf("extract video frame: %w", err)
	}

	img, err := imaging.Open(out)
	if err != nil {
		return nil, fmt.Errorf("decode extracted frame: %w", err)
	}
	return img, nil
}
