// Package dispatch decides what to answer for an observed message. It routes
// commands, voice notes, images, documents and plain text to kernel
// operations and turns the results into outbound replies.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"pocketagent/internal/domain"
)

const helpText = `🤖 *PocketAgent Commands*

*📸 Image Generation*
/image <prompt> - Generate an image from text

*🎙️ Voice*
/voice <text> - Convert text to speech

*📄 Document Analysis*
Send any image, PDF or document with:
- /extract or /ocr - Extract all text
- Or just describe what you want

*💬 Chat*
Just type naturally.

*Supported file types:*
Images (JPG, PNG, WebP), PDF, DOCX, TXT`

// Dispatcher implements the scanner's Handler on top of a domain.Kernel.
type Dispatcher struct {
	kernel       domain.Kernel
	mediaDir     string
	imageSize    string
	speechFormat string
	maxDocChars  int
	format       bool
	logger       *slog.Logger
}

type Config struct {
	Kernel         domain.Kernel
	MediaDir       string // generated files are written here
	ImageSize      string
	SpeechFormat   string
	MaxDocChars    int
	FormatMarkdown bool
	Logger         *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.MediaDir == "" {
		cfg.MediaDir = os.TempDir()
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = "1024x1024"
	}
	if cfg.SpeechFormat == "" {
		cfg.SpeechFormat = "mp3"
	}
	if cfg.MaxDocChars <= 0 {
		cfg.MaxDocChars = 6000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		kernel:       cfg.Kernel,
		mediaDir:     cfg.MediaDir,
		imageSize:    cfg.ImageSize,
		speechFormat: cfg.SpeechFormat,
		maxDocChars:  cfg.MaxDocChars,
		format:       cfg.FormatMarkdown,
		logger:       cfg.Logger.With("component", "dispatch"),
	}
}

// Handle returns the replies for p. Kernel failures are returned as errors;
// an empty kernel result yields no reply.
func (d *Dispatcher) Handle(ctx context.Context, p domain.MessagePayload) ([]domain.OutboundReply, error) {
	text := strings.TrimSpace(p.Text)
	if looksLikeThumbnail(text) {
		text = ""
	}
	sender := p.Sender
	if sender == "" {
		sender = "User"
	}

	switch cmd, arg := command(text); cmd {
	case "/help", "/commands":
		return d.plain(helpText), nil
	case "/image", "/img":
		if arg == "" {
			return d.plain("Usage: /image <prompt>\nExample: /image a futuristic city at sunset"), nil
		}
		return d.generateImage(ctx, arg, "Here you go! 🎨", "Image generation failed. Please try again.")
	case "/voice", "/audio":
		if arg == "" {
			return d.plain("Usage: /voice <text>\nExample: /voice Hello, how are you today?"), nil
		}
		return d.speech(ctx, arg)
	case "/extract", "/ocr":
		if !p.MediaDetected {
			return d.plain("📄 Usage: send an image or PDF with the caption /extract\n\nI'll extract all text from it."), nil
		}
	}

	if p.Degraded() {
		d.logger.Warn("media not decoded, asking for resend", "chat", sender, "type", p.MediaType)
		return d.plain(resendText(p.MediaType)), nil
	}

	switch p.MediaType {
	case domain.MediaAudio:
		return d.audio(ctx, sender, p)
	case domain.MediaImage:
		return d.image(ctx, sender, text, p.ImageBytes, p.ImageMime)
	case domain.MediaDocument:
		return d.document(ctx, sender, text, p)
	}

	if text == "" {
		return nil, nil
	}
	if prompt, ok := ImagePrompt(text); ok {
		d.logger.Info("image request detected", "chat", sender)
		return d.generateImage(ctx, prompt, "Here you go! 🎨", "I couldn't generate that image. Please try a different prompt.")
	}
	answer, err := d.kernel.Run(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	return d.reply(answer), nil
}

func (d *Dispatcher) audio(ctx context.Context, sender string, p domain.MessagePayload) ([]domain.OutboundReply, error) {
	filename := "voice.ogg"
	base, _, _ := strings.Cut(p.AudioMime, ";")
	if m := mimetype.Lookup(strings.TrimSpace(base)); m != nil && m.Extension() != "" && m.Extension() != ".oga" {
		filename = "voice" + m.Extension()
	}
	transcript, err := d.kernel.TranscribeAudio(ctx, p.AudioBytes, filename)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if transcript == "" {
		return d.plain("I received your voice note but couldn't transcribe it. Please try again."), nil
	}
	prompt := fmt.Sprintf("User %s sent a voice note. Transcript:\n%s\n\nReply helpfully and concisely.", sender, transcript)
	answer, err := d.kernel.Run(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	return d.reply(answer), nil
}

func (d *Dispatcher) image(ctx context.Context, sender, caption string, img []byte, mimeType string) ([]domain.OutboundReply, error) {
	if wantsGeneratedFromReference(caption) {
		description, err := d.kernel.RunWithVision(ctx, img, promptDescribeProduct, mimeType)
		if err != nil {
			return nil, fmt.Errorf("describe reference: %w", err)
		}
		request := caption
		if request == "" {
			request = "product shot"
		}
		prompt := fmt.Sprintf("Professional %s of: %s\n\nStyle: premium e-commerce product photography, clean white or gradient background, studio lighting, sharp focus.", request, description)
		return d.generateImage(ctx, prompt, "Here's your product shot! 🎨",
			"I analyzed the product but couldn't generate the new image. Please try again or use /image <description>.")
	}

	answer, err := d.kernel.RunWithVision(ctx, img, visionPrompt(sender, caption), mimeType)
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}
	return d.reply(answer), nil
}

func (d *Dispatcher) document(ctx context.Context, sender, request string, p domain.MessagePayload) ([]domain.OutboundReply, error) {
	name := p.DocName
	if name == "" {
		name = "document"
	}
	d.logger.Info("processing document", "file", name, "mime", p.DocMime, "size", humanize.Bytes(uint64(len(p.DocBytes))))

	if strings.HasPrefix(p.DocMime, "image/") {
		prompt := fmt.Sprintf("Extract and analyze ALL text from this image. The user sent it as a document named '%s'.", name)
		if request != "" {
			prompt += "\n\nUser request: " + request
		}
		answer, err := d.kernel.RunWithVision(ctx, p.DocBytes, prompt, p.DocMime)
		if err != nil {
			return nil, fmt.Errorf("vision: %w", err)
		}
		return d.reply(answer), nil
	}

	extracted, err := d.kernel.ExtractDocumentText(ctx, p.DocBytes, name, p.DocMime, d.maxDocChars)
	if err != nil {
		return nil, fmt.Errorf("extract document: %w", err)
	}
	if extracted == "" {
		return d.plain("I received the document but couldn't read its contents. Supported formats: PDF, DOCX, TXT, images."), nil
	}
	if request == "" {
		request = "Summarize this document and extract key information."
	}
	prompt := fmt.Sprintf("User %s sent a document named '%s'.\n\nDocument content:\n%s\n\nRequest: %s\n\nProvide a helpful response.", sender, name, extracted, request)
	answer, err := d.kernel.Run(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	return d.reply(answer), nil
}

func (d *Dispatcher) generateImage(ctx context.Context, prompt, caption, failure string) ([]domain.OutboundReply, error) {
	img, err := d.kernel.GenerateImage(ctx, prompt, d.imageSize)
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	if len(img) == 0 {
		return d.plain(failure), nil
	}
	path, err := d.writeMedia(img, "")
	if err != nil {
		return nil, err
	}
	return []domain.OutboundReply{{FilePath: path, Caption: caption, Temporary: true}}, nil
}

func (d *Dispatcher) speech(ctx context.Context, text string) ([]domain.OutboundReply, error) {
	audio, err := d.kernel.GenerateSpeech(ctx, text, d.speechFormat)
	if err != nil {
		return nil, fmt.Errorf("generate speech: %w", err)
	}
	if len(audio) == 0 {
		return d.plain("Voice generation failed."), nil
	}
	path, err := d.writeMedia(audio, "."+d.speechFormat)
	if err != nil {
		return nil, err
	}
	return []domain.OutboundReply{{FilePath: path, Temporary: true}}, nil
}

// writeMedia stores generated bytes under a unique name. The extension is
// sniffed when ext is empty.
func (d *Dispatcher) writeMedia(data []byte, ext string) (string, error) {
	if ext == "" {
		ext = mimetype.Detect(data).Extension()
	}
	if err := os.MkdirAll(d.mediaDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(d.mediaDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	d.logger.Debug("media written", "path", path, "size", humanize.Bytes(uint64(len(data))))
	return path, nil
}

// reply wraps a kernel answer, formatting Markdown when enabled.
func (d *Dispatcher) reply(answer string) []domain.OutboundReply {
	if d.format {
		answer = FormatWhatsApp(answer)
	}
	return d.plain(answer)
}

func (d *Dispatcher) plain(text string) []domain.OutboundReply {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return []domain.OutboundReply{{Text: text}}
}

func resendText(t domain.MediaType) string {
	what := "attachment"
	switch t {
	case domain.MediaImage:
		what = "image"
	case domain.MediaAudio:
		what = "voice note"
	case domain.MediaDocument:
		what = "document"
	}
	return fmt.Sprintf("I saw your %s but couldn't download it. Could you please send it again?", what)
}
