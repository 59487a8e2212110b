package kernel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
)

// TranscribeAudio converts a voice note to text through /audio/transcriptions.
// filename should carry the extension; the API uses it to pick the decoder.
func (c *Client) TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	if filename == "" {
		filename = "voice.ogg"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}
	writer.WriteField("model", c.transcribeModel)
	writer.WriteField("response_format", "json")
	writer.Close()
	payload := body.Bytes()

	resp, err := doWithRetry(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transcribeBase+"/audio/transcriptions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		c.authorize(req, c.transcribeKey)
		return req, nil
	}, c.logger)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Text     string  `json:"text"`
		Language string  `json:"language,omitempty"`
		Duration float64 `json:"duration,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}

	c.logger.Info("transcription complete",
		"size", humanize.Bytes(uint64(len(audio))),
		"text_len", len(result.Text),
		"language", result.Language,
	)
	return strings.TrimSpace(result.Text), nil
}

// GenerateSpeech synthesizes text through /audio/speech. format is one of
// mp3, opus, aac, flac, wav or pcm.
func (c *Client) GenerateSpeech(ctx context.Context, text, format string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if format == "" {
		format = "mp3"
	}
	payload, err := json.Marshal(map[string]string{
		"model":           c.speechModel,
		"input":           text,
		"voice":           c.speechVoice,
		"response_format": format,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/audio/speech", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req, c.apiKey)
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	c.logger.Info("speech generated", "format", format, "size", humanize.Bytes(uint64(len(audio))))
	return audio, nil
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

// GenerateImage renders prompt through /images/generations. Models named
// "vendor/model" are routed through chat completions with image output
// modalities instead, which is how aggregator gateways expose them.
func (c *Client) GenerateImage(ctx context.Context, prompt, size string) ([]byte, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, nil
	}
	if strings.Contains(c.imageModel, "/") {
		return c.generateImageViaChat(ctx, prompt)
	}
	if size == "" {
		size = "1024x1024"
	}
	body := map[string]any{
		"model":  c.imageModel,
		"prompt": prompt,
		"size":   size,
		"n":      1,
	}
	if strings.HasPrefix(c.imageModel, "dall-e") {
		body["response_format"] = "b64_json"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/images/generations", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req, c.apiKey)
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	defer resp.Body.Close()

	var out imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode image response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	if out.Data[0].B64JSON != "" {
		img, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		return img, nil
	}
	return c.fetchImage(ctx, out.Data[0].URL)
}

func (c *Client) generateImageViaChat(ctx context.Context, prompt string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"model":      c.imageModel,
		"messages":   []chatMessage{{Role: "user", Content: prompt}},
		"modalities": []string{"image", "text"},
		"max_tokens": 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req, c.apiKey)
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Choices []struct {
			Message struct {
				Images []struct {
					ImageURL imageURL `json:"image_url"`
				} `json:"images"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode image response: %w", err)
	}
	for _, choice := range out.Choices {
		for _, img := range choice.Message.Images {
			if img.ImageURL.URL != "" {
				return c.fetchImage(ctx, img.ImageURL.URL)
			}
		}
	}
	c.logger.Warn("no image in chat response", "model", c.imageModel)
	return nil, nil
}

// fetchImage resolves a base64 data URL or downloads an http(s) URL.
func (c *Client) fetchImage(ctx context.Context, url string) ([]byte, error) {
	switch {
	case url == "":
		return nil, nil
	case strings.HasPrefix(url, "data:"):
		i := strings.IndexByte(url, ',')
		if i < 0 || !strings.Contains(url[:i], ";base64") {
			return nil, fmt.Errorf("unsupported image data URL")
		}
		img, err := base64.StdEncoding.DecodeString(url[i+1:])
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		return img, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
