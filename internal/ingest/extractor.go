package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pocketagent/internal/browser"
	"pocketagent/internal/domain"
	"pocketagent/internal/metrics"
)

// Extractor turns a message row snapshot into a payload, reading media
// bytes through the page when they are page-resident.
type Extractor struct {
	page   browser.Page
	logger *slog.Logger
	now    func() time.Time
}

// ExtractorConfig holds configuration for the payload extractor.
type ExtractorConfig struct {
	Page   browser.Page
	Logger *slog.Logger
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{
		page:   cfg.Page,
		logger: cfg.Logger.With("component", "extractor"),
		now:    time.Now,
	}
}

// Extract builds the payload for row. Media that cannot be decoded leaves
// MediaDetected set with no bytes; it is never an error.
func (e *Extractor) Extract(ctx context.Context, row *browser.RowSnapshot) domain.MessagePayload {
	p := domain.MessagePayload{
		Text:       rowText(row),
		MediaType:  domain.MediaText,
		ObservedAt: e.now(),
	}

	switch {
	case row.AudioSrc != "" || row.PlayControl:
		p.MediaType = domain.MediaAudio
		p.MediaDetected = true
		p.AudioBytes, p.AudioMime = e.decode(ctx, row.AudioSrc)
		p.AudioMime = orSniff(p.AudioMime, p.AudioBytes)
	case row.ImageSrc != "":
		p.MediaType = domain.MediaImage
		p.MediaDetected = true
		p.ImageBytes, p.ImageMime = e.decode(ctx, row.ImageSrc)
		p.ImageMime = orSniff(p.ImageMime, p.ImageBytes)
	case row.DocPresent:
		p.MediaType = domain.MediaDocument
		p.MediaDetected = true
		p.DocName = strings.TrimSpace(row.DocTitle)
		if p.DocName == "" {
			p.DocName = "document"
		}
		var srcMime string
		p.DocBytes, srcMime = e.decode(ctx, row.DocHref)
		p.DocMime = documentMime(row.DocMime, srcMime, p.DocName, p.DocBytes)
	}

	if p.Degraded() {
		metrics.DecodeFailures.Inc()
		e.logger.Warn("media detected but not decoded", "type", p.MediaType, "row", Seed(row))
	} else if p.MediaDetected {
		e.logger.Debug("media decoded", "type", p.MediaType, "size", humanize.Bytes(uint64(len(p.MediaBytes()))))
	}

	p.IdentityToken = IdentityToken(Seed(row), p.MediaType, p.Text, p.MediaBytes(), p.MediaDetected)
	return p
}

// rowText returns the first non-empty text selector match, falling back to
// the row's full rendered text.
func rowText(row *browser.RowSnapshot) string {
	for _, t := range row.Texts {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return strings.TrimSpace(row.InnerText)
}

// decode resolves a data: or blob: URL to bytes and the declared media
// type. Failures yield nil bytes.
func (e *Extractor) decode(ctx context.Context, src string) ([]byte, string) {
	data, mimeType, err := e.resolve(ctx, src)
	if err != nil {
		e.logger.Debug("media decode failed", "src", truncate(src, 64), "err", err)
		return nil, ""
	}
	return data, mimeType
}

func orSniff(declared string, data []byte) string {
	if len(data) == 0 {
		return declared
	}
	if declared == "" || declared == "application/octet-stream" {
		if sniffed := SniffMime(data); sniffed != "" {
			return sniffed
		}
	}
	return declared
}

func (e *Extractor) resolve(ctx context.Context, src string) ([]byte, string, error) {
	switch {
	case src == "":
		return nil, "", fmt.Errorf("no source")
	case strings.HasPrefix(src, "data:"):
		return DecodeDataURL(src)
	case strings.HasPrefix(src, "blob:"):
		dataURL, err := e.page.FetchBlob(ctx, src)
		if err != nil {
			return nil, "", fmt.Errorf("fetch blob: %w", err)
		}
		if dataURL == "" {
			return nil, "", fmt.Errorf("blob unreadable")
		}
		data, m, err := DecodeDataURL(dataURL)
		if err != nil {
			return nil, "", fmt.Errorf("decode blob: %w", err)
		}
		if len(data) == 0 {
			return nil, "", fmt.Errorf("blob empty")
		}
		return data, m, nil
	default:
		return nil, "", fmt.Errorf("unsupported source scheme")
	}
}

// documentMime prefers an explicit type, then the source's declared type,
// then the filename extension, then the content.
func documentMime(explicit, fromSource, name string, data []byte) string {
	if explicit = baseMime(explicit); explicit != "" {
		return explicit
	}
	if fromSource != "" && fromSource != "application/octet-stream" {
		return fromSource
	}
	if m := MimeFromName(name); m != "" {
		return m
	}
	if m := SniffMime(data); m != "" {
		return m
	}
	return "application/octet-stream"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
