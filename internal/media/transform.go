package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/imthatdev/swush/internal/pipeline"
	"github.com/imthatdev/swush/internal/storage"
	"github.com/imthatdev/swush/pkg/models"
)

const defaultQuality = 80

// TransformResult is persisted on a ready transform row.
type TransformResult struct {
	OutputKey string `json:"output_key"`
	SizeBytes int    `json:"size_bytes"`
}

// TransformProcessor produces a compressed sibling object next to the source:
// webp for images, a transcoded mp4/m4a for video and audio. The source is
// never touched, so reprocessing the same payload is idempotent.
type TransformProcessor struct {
	gateway storage.Gateway
	ffmpeg  *FFmpeg
}

func NewTransformProcessor(gw storage.Gateway, ffmpeg *FFmpeg) *TransformProcessor {
	return &TransformProcessor{gateway: gw, ffmpeg: ffmpeg}
}

func (p *TransformProcessor) Process(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params pipeline.TransformParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	quality := params.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}

	payload, contentType, err := p.gateway.Read(ctx, job.OwnerID, job.SubjectKey)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	var (
		out     []byte
		outKey  string
		outType string
	)
	switch classify(contentType, job.SubjectKey) {
	case classImage:
		out, err = compressImage(payload, quality)
		outKey = job.SubjectKey + ".webp"
		outType = "image/webp"
	case classVideo:
		out, err = p.transcode(ctx, payload, job.SubjectKey, ".mp4", videoArgs(quality))
		outKey = job.SubjectKey + "-compressed.mp4"
		outType = "video/mp4"
	case classAudio:
		out, err = p.transcode(ctx, payload, job.SubjectKey, ".m4a", audioArgs())
		outKey = job.SubjectKey + "-compressed.m4a"
		outType = "audio/mp4"
	default:
		return nil, fmt.Errorf("source %q is not an image, video, or audio object (content type %q)", job.SubjectKey, contentType)
	}
	if err != nil {
		return nil, err
	}

	if err := p.gateway.Put(ctx, job.OwnerID, outKey, outType, out); err != nil {
		return nil, fmt.Errorf("store compressed variant: %w", err)
	}

	return json.Marshal(TransformResult{OutputKey: outKey, SizeBytes: len(out)})
}

func compressImage(payload []byte, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// transcode round-trips the payload through ffmpeg via temp files; ffmpeg
// needs seekable input for most containers.
func (p *TransformProcessor) transcode(ctx context.Context, payload []byte, name, outExt string, args []string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "swush-transform-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in"+filepath.Ext(name))
	out := filepath.Join(dir, "out"+outExt)
	if err := os.WriteFile(in, payload, 0o600); err != nil {
		return nil, fmt.Errorf("write temp input: %w", err)
	}

	ffArgs := append([]string{"-i", in}, args...)
	ffArgs = append(ffArgs, out)
	if err := p.ffmpeg.Run(ctx, ffArgs...); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read transcoded output: %w", err)
	}
	return data, nil
}

// videoArgs maps the 1-100 quality knob onto x264 CRF (lower is better,
// 18-38 is the useful range).
func videoArgs(quality int) []string {
	crf := 38 - (quality*20)/100
	return []string{
		"-c:v", "libx264",
		"-crf", strconv.Itoa(crf),
		"-preset", "medium",
		"-c:a", "aac",
		"-movflags", "+faststart",
	}
}

func audioArgs() []string {
	return []string{"-c:a", "aac", "-b:a", "128k", "-vn"}
}
