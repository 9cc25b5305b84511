package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"

	"github.com/dhowden/tag"
	"github.com/imthatdev/swush/internal/storage"
	"github.com/imthatdev/swush/pkg/models"
)

// TagResult is persisted on a ready audiotag row. An empty result (all zero
// fields) means the source carried no recognizable tags, which is a success.
type TagResult struct {
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	Genre    string `json:"genre,omitempty"`
	Year     int    `json:"year,omitempty"`
	Track    int    `json:"track,omitempty"`
	CoverKey string `json:"cover_key,omitempty"`
}

// TagProcessor parses embedded metadata (ID3v1/v2, MP4, FLAC, OGG) from an
// audio object and, when the tags carry cover art, stores it as a sibling
// object. A source that is not recognizable audio is a no-op success: the
// upload flow enqueues tag extraction optimistically for anything that might
// be audio.
type TagProcessor struct {
	gateway storage.Gateway
}

func NewTagProcessor(gw storage.Gateway) *TagProcessor {
	return &TagProcessor{gateway: gw}
}

func (p *TagProcessor) Process(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	payload, _, err := p.gateway.Read(ctx, job.OwnerID, job.SubjectKey)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	meta, err := tag.ReadFrom(bytes.NewReader(payload))
	if err != nil {
		if errors.Is(err, tag.ErrNoTagsFound) {
			return json.Marshal(TagResult{})
		}
		// Unparseable container, not a transient failure worth retrying, but
		// the attempt accounting treats it like any other failure.
		return nil, fmt.Errorf("parse tags: %w", err)
	}

	result := TagResult{
		Title:  meta.Title(),
		Artist: meta.Artist(),
		Album:  meta.Album(),
		Genre:  meta.Genre(),
		Year:   meta.Year(),
	}
	result.Track, _ = meta.Track()

	if pic := meta.Picture(); pic != nil && len(pic.Data) > 0 {
		coverKey := job.SubjectKey + "-cover" + coverExt(pic.MIMEType)
		if err := p.gateway.Put(ctx, job.OwnerID, coverKey, pic.MIMEType, pic.Data); err != nil {
			return nil, fmt.Errorf("store cover art: %w", err)
		}
		result.CoverKey = coverKey
	}

	return json.Marshal(result)
}

func coverExt(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".img"
	}
	return exts[0]
}
