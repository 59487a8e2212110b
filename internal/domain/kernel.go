package domain

import "context"

// Kernel is the agent collaborator that decides what to say. Implementations
// own their own timeout policy. An empty result is "nothing to send", not an error.
type Kernel interface {
	Run(ctx context.Context, goal string) (string, error)
	RunWithVision(ctx context.Context, image []byte, prompt, mimeType string) (string, error)
	TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, error)
	ExtractDocumentText(ctx context.Context, doc []byte, filename, mimeType string, maxChars int) (string, error)
	GenerateImage(ctx context.Context, prompt, size string) ([]byte, error)
	GenerateSpeech(ctx context.Context, text, format string) ([]byte, error)
}
