// Package kernel implements domain.Kernel against an OpenAI-compatible API:
// chat completions (text, vision and file parts), audio transcription,
// image generation and speech synthesis.
package kernel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"pocketagent/internal/domain"
)

var _ domain.Kernel = (*Client)(nil)

// Client talks to one OpenAI-compatible endpoint. Transcription may use a
// separate base URL and key (e.g. Groq Whisper).
type Client struct {
	apiBase         string
	apiKey          string
	model           string
	visionModel     string
	systemPrompt    string
	imageModel      string
	speechModel     string
	speechVoice     string
	transcribeBase  string
	transcribeKey   string
	transcribeModel string
	client          *http.Client
	logger          *slog.Logger
}

type Config struct {
	APIBase         string
	APIKey          string
	Model           string
	VisionModel     string // defaults to Model
	SystemPrompt    string
	ImageModel      string
	SpeechModel     string
	SpeechVoice     string
	TranscribeBase  string // defaults to APIBase
	TranscribeKey   string // defaults to APIKey
	TranscribeModel string
	Timeout         time.Duration
	Logger          *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = "gpt-image-1"
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = "tts-1"
	}
	if cfg.SpeechVoice == "" {
		cfg.SpeechVoice = "alloy"
	}
	if cfg.TranscribeBase == "" {
		cfg.TranscribeBase = cfg.APIBase
	}
	if cfg.TranscribeKey == "" {
		cfg.TranscribeKey = cfg.APIKey
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = "whisper-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiBase:         strings.TrimRight(cfg.APIBase, "/"),
		apiKey:          cfg.APIKey,
		model:           cfg.Model,
		visionModel:     cfg.VisionModel,
		systemPrompt:    cfg.SystemPrompt,
		imageModel:      cfg.ImageModel,
		speechModel:     cfg.SpeechModel,
		speechVoice:     cfg.SpeechVoice,
		transcribeBase:  strings.TrimRight(cfg.TranscribeBase, "/"),
		transcribeKey:   cfg.TranscribeKey,
		transcribeModel: cfg.TranscribeModel,
		client:          newHTTPClient(cfg.Timeout),
		logger:          cfg.Logger.With("component", "kernel"),
	}
}

// Healthy checks that the endpoint answers and the key is accepted.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	c.authorize(req, c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kernel not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("kernel: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kernel returned %d", resp.StatusCode)
	}
	return nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

// chatMessage content is either a string or a []contentPart.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
	File     *filePart `json:"file,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type filePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Run sends goal as a single user turn and returns the answer text.
func (c *Client) Run(ctx context.Context, goal string) (string, error) {
	return c.chat(ctx, c.model, nil, goal)
}

// RunWithVision asks the vision model about an image. The mime type is
// sniffed from the bytes when they say more than the caller did.
func (c *Client) RunWithVision(ctx context.Context, image []byte, prompt, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("vision: empty image")
	}
	if sniffed := mimetype.Detect(image).String(); strings.HasPrefix(sniffed, "image/") {
		mimeType = sniffed
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	parts := []contentPart{
		{Type: "text", Text: prompt},
		{Type: "image_url", ImageURL: &imageURL{URL: dataURL(mimeType, image)}},
	}
	return c.chat(ctx, c.visionModel, parts, "")
}

// runWithFile forwards a document as a file content part.
func (c *Client) runWithFile(ctx context.Context, doc []byte, prompt, filename, mimeType string) (string, error) {
	parts := []contentPart{
		{Type: "text", Text: prompt},
		{Type: "file", File: &filePart{Filename: filename, FileData: dataURL(mimeType, doc)}},
	}
	return c.chat(ctx, c.model, parts, "")
}

func (c *Client) chat(ctx context.Context, model string, parts []contentPart, text string) (string, error) {
	msgs := make([]chatMessage, 0, 2)
	if c.systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.systemPrompt})
	}
	if parts != nil {
		msgs = append(msgs, chatMessage{Role: "user", Content: parts})
	} else {
		msgs = append(msgs, chatMessage{Role: "user", Content: text})
	}
	body := chatRequest{Model: model, Messages: msgs}
	if parts != nil {
		t := 0.2
		body.Temperature = &t
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req, c.apiKey)
		return req, nil
	}, c.logger)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	c.logger.Debug("chat completion",
		"model", model,
		"tokens", out.Usage.TotalTokens,
		"finish", out.Choices[0].FinishReason,
		"duration", time.Since(start),
	)
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (c *Client) authorize(req *http.Request, key string) {
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

func dataURL(mimeType string, b []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(b)
}
