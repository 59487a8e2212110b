// Package browsertest provides a scripted in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"pocketagent/internal/browser"
)

// Page is a fake DOM. Fields may be set directly before use; every call is
// appended to Calls.
type Page struct {
	mu sync.Mutex

	Present   map[string]bool // selector -> present
	Titles    map[string]string
	ExistsErr error

	ClickErr      map[string]error
	ForceClickErr map[string]error
	WaitErr       map[string]error
	KeyErr        error
	InsertErr     error

	Unread    []browser.Candidate
	UnreadErr error

	// Messages maps the selector last clicked to the row shown in that chat.
	// The "" key is the chat open at start.
	Messages   map[string]*browser.RowSnapshot
	MessageErr error
	// PanicOn makes LastMessage panic while the given selector is open.
	PanicOn string

	Blobs map[string]string

	// EvalFunc handles Evaluate; nil makes Evaluate a no-op.
	EvalFunc func(expr string, out any) error

	Calls []string

	// open is the selector last clicked; a reload resets it.
	open string
}

func New() *Page {
	return &Page{
		Present:       map[string]bool{},
		Titles:        map[string]string{},
		ClickErr:      map[string]error{},
		ForceClickErr: map[string]error{},
		WaitErr:       map[string]error{},
		Messages:      map[string]*browser.RowSnapshot{},
		Blobs:         map[string]string{},
	}
}

var _ browser.Page = (*Page)(nil)

func (p *Page) record(format string, args ...any) {
	p.Calls = append(p.Calls, fmt.Sprintf(format, args...))
}

// CallsWithPrefix returns the recorded calls starting with prefix.
func (p *Page) CallsWithPrefix(prefix string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("navigate %s", url)
	return nil
}

func (p *Page) Exists(ctx context.Context, selectors ...string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ExistsErr != nil {
		return false, p.ExistsErr
	}
	for _, s := range selectors {
		if p.Present[s] {
			return true, nil
		}
	}
	return false, nil
}

func (p *Page) TextOf(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.Titles[selector]
	if !ok {
		return "", browser.ErrNotFound
	}
	return t, nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("click %s", selector)
	if err := p.ClickErr[selector]; err != nil {
		return err
	}
	p.open = selector
	return nil
}

func (p *Page) ForceClick(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("forceclick %s", selector)
	if err := p.ForceClickErr[selector]; err != nil {
		return err
	}
	p.open = selector
	return nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("wait %s", selector)
	return p.WaitErr[selector]
}

func (p *Page) InsertText(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("insert %s", text)
	return p.InsertErr
}

func (p *Page) ClearText(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("clear %s", selector)
	return nil
}

func (p *Page) PressKey(ctx context.Context, key browser.Key) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch key {
	case browser.KeyEnter:
		p.record("key enter")
	case browser.KeyShiftEnter:
		p.record("key shift+enter")
	case browser.KeyEscape:
		p.record("key escape")
	}
	return p.KeyErr
}

func (p *Page) SetFiles(ctx context.Context, selector string, paths []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("files %s %s", selector, strings.Join(paths, ","))
	return nil
}

func (p *Page) UnreadChats(ctx context.Context, sel browser.Selectors) ([]browser.Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Candidate(nil), p.Unread...), p.UnreadErr
}

func (p *Page) LastMessage(ctx context.Context, sel browser.Selectors) (*browser.RowSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PanicOn != "" && p.open == p.PanicOn {
		panic("scripted panic in " + p.open)
	}
	if p.MessageErr != nil {
		return nil, p.MessageErr
	}
	row, ok := p.Messages[p.open]
	if !ok {
		return nil, browser.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (p *Page) FetchBlob(ctx context.Context, url string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("fetch %s", url)
	return p.Blobs[url], nil
}

func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	p.mu.Lock()
	fn := p.EvalFunc
	p.record("eval %s", expr)
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(expr, out)
}

func (p *Page) AddInitScript(ctx context.Context, source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("initscript %d", len(source))
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("reload")
	p.open = ""
	return nil
}

// SetResult stores v into out the way a JSON evaluation result would.
func SetResult(out any, v any) error {
	if out == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
