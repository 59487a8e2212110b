package ingest

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"testing"

	"pocketagent/internal/browser"
	"pocketagent/internal/browser/browsertest"
	"pocketagent/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

func dataURL(mime string, b []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(b)
}

func newTestExtractor(p browser.Page) *Extractor {
	return NewExtractor(ExtractorConfig{Page: p, Logger: testLogger()})
}

func TestExtract_TextFromFirstMatchingSelector(t *testing.T) {
	e := newTestExtractor(browsertest.New())
	row := &browser.RowSnapshot{ID: "abc123", Texts: []string{"", "  Hello  ", "ignored"}, InnerText: "Hello\n10:00"}

	p := e.Extract(context.Background(), row)
	if p.Text != "Hello" || p.MediaType != domain.MediaText || p.MediaDetected {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.IdentityToken != "abc123_text_Hello" {
		t.Fatalf("unexpected token %q", p.IdentityToken)
	}
}

func TestExtract_FallsBackToInnerText(t *testing.T) {
	e := newTestExtractor(browsertest.New())
	row := &browser.RowSnapshot{ID: "x", Texts: []string{"", ""}, InnerText: " full row text "}

	if p := e.Extract(context.Background(), row); p.Text != "full row text" {
		t.Fatalf("expected inner text fallback, got %q", p.Text)
	}
}

func TestExtract_IdempotentToken(t *testing.T) {
	p := browsertest.New()
	p.Blobs["blob:https://web.whatsapp.com/1"] = dataURL("image/png", pngBytes)
	e := newTestExtractor(p)
	row := &browser.RowSnapshot{ID: "r1", ImageSrc: "blob:https://web.whatsapp.com/1"}

	first := e.Extract(context.Background(), row)
	second := e.Extract(context.Background(), row)
	if first.IdentityToken != second.IdentityToken {
		t.Fatalf("tokens differ: %q vs %q", first.IdentityToken, second.IdentityToken)
	}
	if string(first.ImageBytes) != string(pngBytes) || first.ImageMime != "image/png" {
		t.Fatalf("blob not decoded: mime=%q len=%d", first.ImageMime, len(first.ImageBytes))
	}
}

func TestExtract_MediaPriority(t *testing.T) {
	e := newTestExtractor(browsertest.New())
	ctx := context.Background()

	imgAndDoc := &browser.RowSnapshot{ID: "r", ImageSrc: dataURL("image/png", pngBytes), DocPresent: true, DocTitle: "a.pdf"}
	if p := e.Extract(ctx, imgAndDoc); p.MediaType != domain.MediaImage {
		t.Fatalf("image should win over document, got %s", p.MediaType)
	}

	all := &browser.RowSnapshot{ID: "r", PlayControl: true, ImageSrc: dataURL("image/png", pngBytes), DocPresent: true}
	if p := e.Extract(ctx, all); p.MediaType != domain.MediaAudio {
		t.Fatalf("audio should win over everything, got %s", p.MediaType)
	}
}

func TestExtract_UndecodableBlobIsStableAndDegraded(t *testing.T) {
	p := browsertest.New() // no blob registered: the page cannot read it
	e := newTestExtractor(p)
	row := &browser.RowSnapshot{ID: "r7", ImageSrc: "blob:https://web.whatsapp.com/gone"}

	first := e.Extract(context.Background(), row)
	second := e.Extract(context.Background(), row)

	if !first.MediaDetected || first.ImageBytes != nil || !first.Degraded() {
		t.Fatalf("expected degraded image payload, got %+v", first)
	}
	if first.IdentityToken != "r7_image_"+UndecodedFingerprint || first.IdentityToken != second.IdentityToken {
		t.Fatalf("expected stable undecoded token, got %q and %q", first.IdentityToken, second.IdentityToken)
	}
	if len(p.CallsWithPrefix("fetch")) != 2 {
		t.Fatal("each extraction should try the page fetch")
	}
}

func TestExtract_AudioWithoutSourceIsDetected(t *testing.T) {
	e := newTestExtractor(browsertest.New())
	p := e.Extract(context.Background(), &browser.RowSnapshot{ID: "v", PlayControl: true})
	if p.MediaType != domain.MediaAudio || !p.MediaDetected || !p.Degraded() {
		t.Fatalf("expected degraded audio, got %+v", p)
	}
}

func TestExtract_DocumentMimeFromExtension(t *testing.T) {
	e := newTestExtractor(browsertest.New())
	doc := []byte("PK\x03\x04 not really a docx")
	row := &browser.RowSnapshot{
		ID:         "d1",
		DocPresent: true,
		DocTitle:   "Quarterly.docx",
		DocHref:    dataURL("application/octet-stream", doc),
	}

	p := e.Extract(context.Background(), row)
	if p.MediaType != domain.MediaDocument || p.DocName != "Quarterly.docx" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.DocMime != "application/vnd.openxmlformats-officedocument.wordprocessingml.document" {
		t.Fatalf("expected docx mime from extension, got %q", p.DocMime)
	}
	if string(p.DocBytes) != string(doc) {
		t.Fatal("document bytes not decoded")
	}
}

func TestExtract_DocumentExplicitMimeWins(t *testing.T) {
	e := newTestExtractor(browsertest.New())
	row := &browser.RowSnapshot{ID: "d2", DocPresent: true, DocTitle: "notes.txt", DocMime: "application/pdf", DocHref: dataURL("text/plain", []byte("x"))}
	if p := e.Extract(context.Background(), row); p.DocMime != "application/pdf" {
		t.Fatalf("expected explicit mime, got %q", p.DocMime)
	}
}

func TestDecodeDataURL(t *testing.T) {
	data, mime, err := DecodeDataURL("data:text/plain;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte("hi")))
	if err != nil || string(data) != "hi" || mime != "text/plain" {
		t.Fatalf("got %q %q %v", data, mime, err)
	}

	data, _, err = DecodeDataURL("data:,a%20b")
	if err != nil || string(data) != "a b" {
		t.Fatalf("plain data URL: got %q %v", data, err)
	}

	if _, _, err := DecodeDataURL("blob:abc"); err == nil {
		t.Fatal("expected error for non-data URL")
	}
	if _, _, err := DecodeDataURL("data:image/png;base64,!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestMimeFromName(t *testing.T) {
	tests := map[string]string{
		"a.pdf":      "application/pdf",
		"B.DOCX":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"voice.opus": "audio/ogg",
		"noext":      "",
	}
	for name, want := range tests {
		if got := MimeFromName(name); got != want {
			t.Errorf("MimeFromName(%q) = %q, want %q", name, got, want)
		}
	}
}
