package browser

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OpenChatByName opens the chat whose title equals name by typing it into
// the side-panel search box and clicking the matching result. The search box
// is empty again when it returns.
func OpenChatByName(ctx context.Context, s *ChatSession, sel Selectors, name string, wait time.Duration) error {
	if name == "" {
		return fmt.Errorf("open chat: empty name")
	}
	if s.OpenChat() == name {
		return nil
	}
	p := s.Page

	if title, err := p.TextOf(ctx, sel.HeaderTitle); err == nil && title == name {
		s.SetOpenChat(name)
		return nil
	}

	if err := p.Click(ctx, sel.SearchBox); err != nil {
		return fmt.Errorf("focus search box: %w", err)
	}
	if err := p.ClearText(ctx, sel.SearchBox); err != nil {
		return fmt.Errorf("clear search box: %w", err)
	}
	if err := p.InsertText(ctx, name); err != nil {
		clearSearch(ctx, p, sel)
		return fmt.Errorf("type chat name: %w", err)
	}

	result := titleSelector(sel.SearchResult, name)
	if err := p.WaitVisible(ctx, result, wait); err != nil {
		clearSearch(ctx, p, sel)
		return fmt.Errorf("chat %q not found: %w", name, err)
	}
	if err := p.Click(ctx, result); err != nil {
		if err := p.ForceClick(ctx, result); err != nil {
			clearSearch(ctx, p, sel)
			return fmt.Errorf("open chat %q: %w", name, err)
		}
	}
	clearSearch(ctx, p, sel)
	if err := p.WaitVisible(ctx, sel.InputBox, wait); err != nil {
		return fmt.Errorf("chat %q composer not ready: %w", name, err)
	}
	s.SetOpenChat(name)
	return nil
}

// clearSearch empties the search box and leaves search mode. The open chat
// stays open.
func clearSearch(ctx context.Context, p Page, sel Selectors) {
	_ = p.ClearText(ctx, sel.SearchBox)
	_ = p.PressKey(ctx, KeyEscape)
}

// ReopenChat opens the last opened chat again. It is used after a page
// reload, which drops the open chat.
func ReopenChat(ctx context.Context, s *ChatSession, sel Selectors, wait time.Duration) error {
	name := s.OpenChat()
	s.SetOpenChat("")
	if name == "" {
		return nil
	}
	return OpenChatByName(ctx, s, sel, name, wait)
}

// titleSelector narrows each selector in a comma-separated list to elements
// whose title attribute equals title.
func titleSelector(list, title string) string {
	quoted := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(title)
	parts := strings.Split(list, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "[title]")) + `[title="` + quoted + `"]`
	}
	return strings.Join(parts, ", ")
}
