package media

import (
	"mime"
	"path/filepath"
	"strings"
)

// sourceClass buckets a stored object for processor dispatch.
type sourceClass int

const (
	classOther sourceClass = iota
	classImage
	classVideo
	classAudio
)

// classify buckets a source by its stored content type, falling back to the
// file extension when the upload flow recorded none.
func classify(contentType, name string) sourceClass {
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return classImage
	case strings.HasPrefix(contentType, "video/"):
		return classVideo
	case strings.HasPrefix(contentType, "audio/"):
		return classAudio
	default:
		return classOther
	}
}
