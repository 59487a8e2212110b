package ingest

import (
	"encoding/base64"
	"errors"
	"mime"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Extensions the platform mime table often lacks.
var extMimes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".webp": "image/webp",
}

// MimeFromName infers a mime type from a filename extension. It returns ""
// when the extension is unknown.
func MimeFromName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if m, ok := extMimes[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return baseMime(m)
	}
	return ""
}

// SniffMime detects the mime type from content.
func SniffMime(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return baseMime(mimetype.Detect(data).String())
}

// ExtensionFor returns a filename extension (with dot) for a mime type.
func ExtensionFor(mimeType string) string {
	if ext := mimetype.Lookup(mimeType); ext != nil && ext.Extension() != "" {
		return ext.Extension()
	}
	for ext, m := range extMimes {
		if m == mimeType {
			return ext
		}
	}
	return ".bin"
}

func baseMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.TrimSpace(m)
}

var errNotDataURL = errors.New("not a data URL")

// DecodeDataURL decodes an RFC 2397 data: URL into its bytes and media type.
func DecodeDataURL(s string) ([]byte, string, error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, "", errNotDataURL
	}
	meta, body, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return nil, "", errors.New("data URL has no payload")
	}
	isBase64 := strings.HasSuffix(meta, ";base64")
	mediaType := baseMime(strings.TrimSuffix(meta, ";base64"))

	if !isBase64 {
		text, err := url.PathUnescape(body)
		if err != nil {
			return nil, mediaType, err
		}
		return []byte(text), mediaType, nil
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		// Some producers omit padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(body, "="))
		if err != nil {
			return nil, mediaType, err
		}
	}
	return data, mediaType, nil
}
