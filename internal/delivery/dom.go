package delivery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"pocketagent/internal/browser"
	"pocketagent/internal/domain"
)

// DOMSender drives the composer the way a person would.
type DOMSender struct {
	page      browser.Page
	selectors browser.Selectors
	wait      time.Duration
}

func NewDOMSender(p browser.Page, sel browser.Selectors, wait time.Duration) *DOMSender {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &DOMSender{page: p, selectors: sel, wait: wait}
}

func (d *DOMSender) Name() string { return "dom" }

// SendText types text line by line with Shift+Enter between lines so the
// message is submitted once, by the final Enter.
func (d *DOMSender) SendText(ctx context.Context, text string) error {
	if text == "" {
		return fmt.Errorf("empty text")
	}
	if err := d.focus(ctx, d.selectors.InputBox); err != nil {
		return fmt.Errorf("focus input box: %w", err)
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		if line != "" {
			if err := d.page.InsertText(ctx, line); err != nil {
				return fmt.Errorf("type line %d: %w", i+1, err)
			}
		}
		if i < len(lines)-1 {
			if err := d.page.PressKey(ctx, browser.KeyShiftEnter); err != nil {
				return fmt.Errorf("soft newline: %w", err)
			}
		}
	}
	if err := d.page.PressKey(ctx, browser.KeyEnter); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// SendFile attaches the file through the attach menu, adds the caption and
// clicks send.
func (d *DOMSender) SendFile(ctx context.Context, reply domain.OutboundReply) error {
	path, err := filepath.Abs(reply.FilePath)
	if err != nil {
		return fmt.Errorf("resolve file path: %w", err)
	}
	if err := d.focus(ctx, d.selectors.AttachButton); err != nil {
		return fmt.Errorf("open attach menu: %w", err)
	}
	if err := d.page.SetFiles(ctx, d.selectors.FileInput, []string{path}); err != nil {
		return fmt.Errorf("attach file: %w", err)
	}
	if err := d.page.WaitVisible(ctx, d.selectors.SendButton, d.wait); err != nil {
		return fmt.Errorf("wait for preview: %w", err)
	}
	if reply.Caption != "" {
		if err := d.focus(ctx, d.selectors.CaptionBox); err == nil {
			if err := d.page.InsertText(ctx, reply.Caption); err != nil {
				return fmt.Errorf("type caption: %w", err)
			}
		}
	}
	if err := d.focus(ctx, d.selectors.SendButton); err != nil {
		return fmt.Errorf("click send: %w", err)
	}
	return nil
}

func (d *DOMSender) focus(ctx context.Context, selector string) error {
	if err := d.page.Click(ctx, selector); err != nil {
		return d.page.ForceClick(ctx, selector)
	}
	return nil
}
