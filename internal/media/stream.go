package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/imthatdev/swush/internal/pipeline"
	"github.com/imthatdev/swush/internal/storage"
	"github.com/imthatdev/swush/pkg/models"
)

const (
	hlsSegmentSeconds = 6
	defaultBitrate    = 2000 // kbps
)

// StreamResult is persisted on a ready stream row.
type StreamResult struct {
	PlaylistKey string `json:"playlist_key"`
	Segments    int    `json:"segments"`
}

// StreamProcessor produces an HLS rendition (playlist plus MPEG-TS segments)
// under a per-subject storage prefix. Re-running overwrites the same keys, so
// a double-claimed job converges on identical output.
type StreamProcessor struct {
	gateway storage.Gateway
	ffmpeg  *FFmpeg
}

func NewStreamProcessor(gw storage.Gateway, ffmpeg *FFmpeg) *StreamProcessor {
	return &StreamProcessor{gateway: gw, ffmpeg: ffmpeg}
}

func (p *StreamProcessor) Process(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params pipeline.StreamParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	bitrate := defaultBitrate
	if len(params.Bitrates) > 0 && params.Bitrates[0] > 0 {
		bitrate = params.Bitrates[0]
	}

	payload, contentType, err := p.gateway.Read(ctx, job.OwnerID, job.SubjectKey)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if classify(contentType, job.SubjectKey) != classVideo {
		return nil, fmt.Errorf("source %q is not a video object (content type %q)", job.SubjectKey, contentType)
	}

	dir, err := os.MkdirTemp("", "swush-stream-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in"+filepath.Ext(job.SubjectKey))
	if err := os.WriteFile(in, payload, 0o600); err != nil {
		return nil, fmt.Errorf("write temp input: %w", err)
	}

	playlist := filepath.Join(dir, "index.m3u8")
	err = p.ffmpeg.Run(ctx,
		"-i", in,
		"-c:v", "libx264",
		"-b:v", strconv.Itoa(bitrate)+"k",
		"-c:a", "aac",
		"-hls_time", strconv.Itoa(hlsSegmentSeconds),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(dir, "seg%04d.ts"),
		playlist,
	)
	if err != nil {
		return nil, err
	}

	prefix := job.SubjectKey + "/hls/"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rendition dir: %w", err)
	}

	segments := 0
	for _, entry := range entries {
		name := entry.Name()
		var contentType string
		switch {
		case strings.HasSuffix(name, ".m3u8"):
			contentType = "application/vnd.apple.mpegurl"
		case strings.HasSuffix(name, ".ts"):
			contentType = "video/mp2t"
			segments++
		default:
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read rendition file %q: %w", name, err)
		}
		if err := p.gateway.Put(ctx, job.OwnerID, prefix+name, contentType, data); err != nil {
			return nil, fmt.Errorf("store rendition file %q: %w", name, err)
		}
	}

	return json.Marshal(StreamResult{
		PlaylistKey: prefix + "index.m3u8",
		Segments:    segments,
	})
}
