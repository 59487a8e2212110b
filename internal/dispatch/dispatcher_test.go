package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pocketagent/internal/domain"
)

type fakeKernel struct {
	runAnswer    string
	runErr       error
	visionAnswer string
	transcript   string
	docText      string
	image        []byte
	speech       []byte

	runs         []string
	visions      []string
	generated    []string
	docMaxChars  int
	transcribeAs string
}

func (k *fakeKernel) Run(ctx context.Context, goal string) (string, error) {
	k.runs = append(k.runs, goal)
	return k.runAnswer, k.runErr
}

func (k *fakeKernel) RunWithVision(ctx context.Context, image []byte, prompt, mimeType string) (string, error) {
	k.visions = append(k.visions, prompt)
	return k.visionAnswer, nil
}

func (k *fakeKernel) TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, error) {
	k.transcribeAs = filename
	return k.transcript, nil
}

func (k *fakeKernel) ExtractDocumentText(ctx context.Context, doc []byte, filename, mimeType string, maxChars int) (string, error) {
	k.docMaxChars = maxChars
	return k.docText, nil
}

func (k *fakeKernel) GenerateImage(ctx context.Context, prompt, size string) ([]byte, error) {
	k.generated = append(k.generated, prompt)
	return k.image, nil
}

func (k *fakeKernel) GenerateSpeech(ctx context.Context, text, format string) ([]byte, error) {
	return k.speech, nil
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

func newTestDispatcher(t *testing.T, k *fakeKernel) *Dispatcher {
	return New(Config{
		Kernel:         k,
		MediaDir:       t.TempDir(),
		FormatMarkdown: true,
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}

func handle(t *testing.T, d *Dispatcher, p domain.MessagePayload) []domain.OutboundReply {
	t.Helper()
	replies, err := d.Handle(context.Background(), p)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return replies
}

func TestDispatcher_TextGoesToKernelAndIsFormatted(t *testing.T) {
	k := &fakeKernel{runAnswer: "**Done**, see [docs](https://x.io)"}
	replies := handle(t, newTestDispatcher(t, k), domain.MessagePayload{Text: "what's up", MediaType: domain.MediaText, Sender: "Bob"})

	if len(k.runs) != 1 || k.runs[0] != "what's up" {
		t.Fatalf("unexpected kernel calls %v", k.runs)
	}
	if len(replies) != 1 || replies[0].Text != "*Done*, see docs (https://x.io)" {
		t.Fatalf("unexpected replies %+v", replies)
	}
}

func TestDispatcher_EmptyAnswerMeansNoReply(t *testing.T) {
	replies := handle(t, newTestDispatcher(t, &fakeKernel{}), domain.MessagePayload{Text: "hello", MediaType: domain.MediaText})
	if len(replies) != 0 {
		t.Fatalf("expected no replies, got %+v", replies)
	}
}

func TestDispatcher_KernelErrorIsReturned(t *testing.T) {
	d := newTestDispatcher(t, &fakeKernel{runErr: errors.New("timeout")})
	if _, err := d.Handle(context.Background(), domain.MessagePayload{Text: "hello"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDispatcher_Help(t *testing.T) {
	k := &fakeKernel{}
	replies := handle(t, newTestDispatcher(t, k), domain.MessagePayload{Text: "/help"})
	if len(replies) != 1 || !strings.Contains(replies[0].Text, "/image <prompt>") {
		t.Fatalf("unexpected help %+v", replies)
	}
	if len(k.runs) != 0 {
		t.Fatal("help must not reach the kernel")
	}
}

func TestDispatcher_ImageCommandWritesTemporaryFile(t *testing.T) {
	k := &fakeKernel{image: pngBytes}
	d := newTestDispatcher(t, k)
	replies := handle(t, d, domain.MessagePayload{Text: "/img a red fox"})

	if len(k.generated) != 1 || k.generated[0] != "a red fox" {
		t.Fatalf("unexpected prompt %v", k.generated)
	}
	if len(replies) != 1 || !replies[0].Temporary || replies[0].Caption == "" {
		t.Fatalf("unexpected replies %+v", replies)
	}
	if filepath.Ext(replies[0].FilePath) != ".png" || filepath.Dir(replies[0].FilePath) != d.mediaDir {
		t.Fatalf("unexpected file path %q", replies[0].FilePath)
	}
	if data, err := os.ReadFile(replies[0].FilePath); err != nil || len(data) != len(pngBytes) {
		t.Fatalf("generated file not written: %v", err)
	}
}

func TestDispatcher_CommandUsage(t *testing.T) {
	d := newTestDispatcher(t, &fakeKernel{})
	for _, cmd := range []string{"/image", "/voice", "/extract"} {
		replies := handle(t, d, domain.MessagePayload{Text: cmd})
		if len(replies) != 1 || !strings.Contains(replies[0].Text, "Usage") {
			t.Errorf("%s: expected usage, got %+v", cmd, replies)
		}
	}
}

func TestDispatcher_ImageGenerationFailureIsText(t *testing.T) {
	replies := handle(t, newTestDispatcher(t, &fakeKernel{}), domain.MessagePayload{Text: "/image cat"})
	if len(replies) != 1 || replies[0].FilePath != "" || replies[0].Text == "" {
		t.Fatalf("expected failure text, got %+v", replies)
	}
}

func TestDispatcher_VoiceCommand(t *testing.T) {
	k := &fakeKernel{speech: []byte("ID3")}
	replies := handle(t, newTestDispatcher(t, k), domain.MessagePayload{Text: "/voice good morning"})
	if len(replies) != 1 || filepath.Ext(replies[0].FilePath) != ".mp3" {
		t.Fatalf("unexpected replies %+v", replies)
	}
}

func TestDispatcher_NaturalImageRequest(t *testing.T) {
	k := &fakeKernel{image: pngBytes}
	handle(t, newTestDispatcher(t, k), domain.MessagePayload{Text: "Can you draw a picture of a lighthouse?"})
	if len(k.generated) != 1 || len(k.runs) != 0 {
		t.Fatalf("expected image generation, runs=%v generated=%v", k.runs, k.generated)
	}
}

func TestDispatcher_DegradedMediaAsksForResend(t *testing.T) {
	k := &fakeKernel{}
	replies := handle(t, newTestDispatcher(t, k), domain.MessagePayload{MediaType: domain.MediaImage, MediaDetected: true, IdentityToken: "r_image_undecoded"})
	if len(replies) != 1 || !strings.Contains(replies[0].Text, "image") || !strings.Contains(replies[0].Text, "send it again") {
		t.Fatalf("expected resend text, got %+v", replies)
	}
	if len(k.visions)+len(k.runs) != 0 {
		t.Fatal("degraded media must not reach the kernel")
	}
}

func TestDispatcher_AudioTranscribedThenRun(t *testing.T) {
	k := &fakeKernel{transcript: "call mum", runAnswer: "Sure"}
	replies := handle(t, newTestDispatcher(t, k), domain.MessagePayload{
		MediaType: domain.MediaAudio, MediaDetected: true, AudioBytes: []byte("OggS"), AudioMime: "audio/ogg; codecs=opus", Sender: "Ann",
	})
	if k.transcribeAs != "voice.ogg" {
		t.Fatalf("unexpected audio filename %q", k.transcribeAs)
	}
	if len(k.runs) != 1 || !strings.Contains(k.runs[0], "Ann") || !strings.Contains(k.runs[0], "call mum") {
		t.Fatalf("unexpected prompt %v", k.runs)
	}
	if len(replies) != 1 || replies[0].Text != "Sure" {
		t.Fatalf("unexpected replies %+v", replies)
	}
}

func TestDispatcher_EmptyTranscript(t *testing.T) {
	k := &fakeKernel{}
	replies := handle(t, newTestDispatcher(t, k), domain.MessagePayload{MediaType: domain.MediaAudio, MediaDetected: true, AudioBytes: []byte("x")})
	if len(replies) != 1 || !strings.Contains(replies[0].Text, "couldn't transcribe") || len(k.runs) != 0 {
		t.Fatalf("unexpected replies %+v", replies)
	}
}

func TestDispatcher_ImagePromptByCaption(t *testing.T) {
	tests := []struct {
		caption string
		want    string
	}{
		{"what's the total on this receipt", promptFinancial},
		{"summarize this", promptParaphrase},
		{"/extract", promptOCR},
		{"", "Describe what you see"},
	}
	for _, tt := range tests {
		k := &fakeKernel{visionAnswer: "ok"}
		handle(t, newTestDispatcher(t, k), domain.MessagePayload{
			Text: tt.caption, MediaType: domain.MediaImage, MediaDetected: true, ImageBytes: pngBytes, Sender: "Bob",
		})
		if len(k.visions) != 1 || !strings.Contains(k.visions[0], tt.want) {
			t.Errorf("caption %q: unexpected prompt %v", tt.caption, k.visions)
		}
	}
}

func TestDispatcher_GenerateFromReferenceImage(t *testing.T) {
	k := &fakeKernel{visionAnswer: "a blue ceramic mug", image: pngBytes}
	replies := handle(t, newTestDispatcher(t, k), domain.MessagePayload{
		Text: "make a product shot", MediaType: domain.MediaImage, MediaDetected: true, ImageBytes: pngBytes,
	})
	if len(k.visions) != 1 || k.visions[0] != promptDescribeProduct {
		t.Fatalf("expected product description first, got %v", k.visions)
	}
	if len(k.generated) != 1 || !strings.Contains(k.generated[0], "a blue ceramic mug") {
		t.Fatalf("expected generation from description, got %v", k.generated)
	}
	if len(replies) != 1 || replies[0].FilePath == "" {
		t.Fatalf("expected image reply, got %+v", replies)
	}
}

func TestDispatcher_DocumentExtractedThenRun(t *testing.T) {
	k := &fakeKernel{docText: "Total: 40 EUR", runAnswer: "It costs 40 EUR"}
	d := newTestDispatcher(t, k)
	replies := handle(t, d, domain.MessagePayload{
		MediaType: domain.MediaDocument, MediaDetected: true, DocBytes: []byte("%PDF"), DocName: "inv.pdf", DocMime: "application/pdf",
	})
	if k.docMaxChars != 6000 {
		t.Fatalf("expected default max chars, got %d", k.docMaxChars)
	}
	if len(k.runs) != 1 || !strings.Contains(k.runs[0], "inv.pdf") || !strings.Contains(k.runs[0], "Total: 40 EUR") {
		t.Fatalf("unexpected prompt %v", k.runs)
	}
	if len(replies) != 1 || replies[0].Text != "It costs 40 EUR" {
		t.Fatalf("unexpected replies %+v", replies)
	}
}

func TestDispatcher_ImageDocumentUsesVision(t *testing.T) {
	k := &fakeKernel{visionAnswer: "scan text"}
	handle(t, newTestDispatcher(t, k), domain.MessagePayload{
		MediaType: domain.MediaDocument, MediaDetected: true, DocBytes: pngBytes, DocName: "scan.png", DocMime: "image/png",
	})
	if len(k.visions) != 1 || !strings.Contains(k.visions[0], "scan.png") {
		t.Fatalf("expected vision call, got %v", k.visions)
	}
}

func TestDispatcher_UnreadableDocument(t *testing.T) {
	replies := handle(t, newTestDispatcher(t, &fakeKernel{}), domain.MessagePayload{
		MediaType: domain.MediaDocument, MediaDetected: true, DocBytes: []byte{0}, DocName: "x.bin",
	})
	if len(replies) != 1 || !strings.Contains(replies[0].Text, "couldn't read") {
		t.Fatalf("unexpected replies %+v", replies)
	}
}

func TestDispatcher_ThumbnailBodyIsIgnored(t *testing.T) {
	k := &fakeKernel{runAnswer: "x"}
	replies := handle(t, newTestDispatcher(t, k), domain.MessagePayload{Text: "/9j/4AAQSkZJRgABAQ", MediaType: domain.MediaText})
	if len(replies) != 0 || len(k.runs) != 0 {
		t.Fatal("base64 preview must not be treated as text")
	}
}
