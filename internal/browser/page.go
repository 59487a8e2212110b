package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// ErrNotFound is returned when a selector matched nothing.
var ErrNotFound = errors.New("element not found")

// Key is a keystroke the composer understands.
type Key int

const (
	KeyEnter Key = iota
	KeyShiftEnter
	KeyEscape
)

// Candidate is a chat the scanner should open. An empty Selector means the
// chat is already open.
type Candidate struct {
	Selector string `json:"selector"`
	Name     string `json:"name"`
}

// RowSnapshot is the raw view of one message row, read in a single round
// trip. Interpretation happens in Go.
type RowSnapshot struct {
	ID          string   `json:"id"`
	Provenance  string   `json:"provenance"`
	AriaLabel   string   `json:"ariaLabel"`
	Outgoing    bool     `json:"outgoing"`
	Texts       []string `json:"texts"` // one entry per text selector, in order
	InnerText   string   `json:"innerText"`
	AudioSrc    string   `json:"audioSrc"`
	PlayControl bool     `json:"playControl"`
	ImageSrc    string   `json:"imageSrc"`
	DocPresent  bool     `json:"docPresent"`
	DocTitle    string   `json:"docTitle"`
	DocHref     string   `json:"docHref"`
	DocMime     string   `json:"docMime"`
}

// Page is the set of DOM operations the pipeline needs. CDPPage drives a real
// browser; tests substitute a scripted fake.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Exists(ctx context.Context, selectors ...string) (bool, error)
	TextOf(ctx context.Context, selector string) (string, error)
	Click(ctx context.Context, selector string) error
	ForceClick(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	InsertText(ctx context.Context, text string) error
	ClearText(ctx context.Context, selector string) error
	PressKey(ctx context.Context, key Key) error
	SetFiles(ctx context.Context, selector string, paths []string) error
	UnreadChats(ctx context.Context, sel Selectors) ([]Candidate, error)
	LastMessage(ctx context.Context, sel Selectors) (*RowSnapshot, error)
	FetchBlob(ctx context.Context, url string) (string, error)
	Evaluate(ctx context.Context, expr string, out any) error
	AddInitScript(ctx context.Context, source string) error
	Reload(ctx context.Context) error
}

// CDPPage implements Page over a chromedp target context.
type CDPPage struct {
	target  context.Context
	timeout time.Duration
}

// NewCDPPage wraps a chromedp context. Every operation is bounded by timeout.
func NewCDPPage(target context.Context, timeout time.Duration) *CDPPage {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CDPPage{target: target, timeout: timeout}
}

// run executes actions on the browser target while honoring both the
// per-operation timeout and cancellation of the caller's ctx.
func (p *CDPPage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(p.target, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

func (p *CDPPage) eval(ctx context.Context, expr string, out any) error {
	return p.run(ctx, p.timeout, chromedp.Evaluate(expr, out, awaitPromise))
}

func awaitPromise(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
	return ep.WithAwaitPromise(true)
}

func (p *CDPPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, 4*p.timeout, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (p *CDPPage) Exists(ctx context.Context, selectors ...string) (bool, error) {
	var found bool
	err := p.eval(ctx, fmt.Sprintf(jsExists, jsonArg(selectors)), &found)
	return found, err
}

// TextOf returns the element's title attribute, or its rendered text when it
// has no title.
func (p *CDPPage) TextOf(ctx context.Context, selector string) (string, error) {
	var res struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}
	if err := p.eval(ctx, fmt.Sprintf(jsTextOf, jsonArg(selector)), &res); err != nil {
		return "", err
	}
	if !res.Found {
		return "", ErrNotFound
	}
	return res.Text, nil
}

func (p *CDPPage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, p.timeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// ForceClick dispatches synthetic mouse events from inside the page, which
// works on elements covered by overlays.
func (p *CDPPage) ForceClick(ctx context.Context, selector string) error {
	var ok bool
	if err := p.eval(ctx, fmt.Sprintf(jsForceClick, jsonArg(selector)), &ok); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (p *CDPPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.timeout
	}
	return p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *CDPPage) InsertText(ctx context.Context, text string) error {
	return p.run(ctx, p.timeout, input.InsertText(text))
}

// ClearText focuses an editable element and deletes its content through the
// editing commands, so the page sees the same input events as typing.
func (p *CDPPage) ClearText(ctx context.Context, selector string) error {
	var found bool
	if err := p.eval(ctx, fmt.Sprintf(jsClearText, jsonArg(selector)), &found); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return nil
}

func (p *CDPPage) PressKey(ctx context.Context, key Key) error {
	var action chromedp.Action
	switch key {
	case KeyEnter:
		action = chromedp.KeyEvent(kb.Enter)
	case KeyShiftEnter:
		action = chromedp.KeyEvent(kb.Enter, chromedp.KeyModifiers(input.ModifierShift))
	case KeyEscape:
		action = chromedp.KeyEvent(kb.Escape)
	default:
		return fmt.Errorf("unknown key %d", key)
	}
	return p.run(ctx, p.timeout, action)
}

func (p *CDPPage) SetFiles(ctx context.Context, selector string, paths []string) error {
	return p.run(ctx, p.timeout, chromedp.SetUploadFiles(selector, paths, chromedp.ByQuery))
}

// UnreadChats tags every chat row matched by an unread strategy with a
// data attribute and returns selectors addressing those rows.
func (p *CDPPage) UnreadChats(ctx context.Context, sel Selectors) ([]Candidate, error) {
	var raw string
	if err := p.eval(ctx, fmt.Sprintf(jsUnreadChats, jsonArg(sel)), &raw); err != nil {
		return nil, err
	}
	var out []Candidate
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode unread chats: %w", err)
	}
	return out, nil
}

func (p *CDPPage) LastMessage(ctx context.Context, sel Selectors) (*RowSnapshot, error) {
	var raw string
	if err := p.eval(ctx, fmt.Sprintf(jsLastMessage, jsonArg(sel)), &raw); err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, ErrNotFound
	}
	var row RowSnapshot
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("decode message row: %w", err)
	}
	return &row, nil
}

// FetchBlob reads a page-resident URL from inside the page and returns it as
// a data: URL. An empty string means the page could not read it.
func (p *CDPPage) FetchBlob(ctx context.Context, url string) (string, error) {
	var dataURL string
	err := p.run(ctx, 2*p.timeout, chromedp.Evaluate(fmt.Sprintf(jsFetchBlob, jsonArg(url)), &dataURL, awaitPromise))
	return dataURL, err
}

// Evaluate runs expr in the page. With a nil out the result is discarded,
// which allows evaluating whole script bundles.
func (p *CDPPage) Evaluate(ctx context.Context, expr string, out any) error {
	if out != nil {
		return p.eval(ctx, expr, out)
	}
	return p.run(ctx, 3*p.timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		_, exp, err := runtime.Evaluate(expr).Do(ctx)
		if err != nil {
			return err
		}
		if exp != nil {
			return exp
		}
		return nil
	}))
}

func (p *CDPPage) AddInitScript(ctx context.Context, source string) error {
	return p.run(ctx, p.timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(source).Do(ctx)
		return err
	}))
}

func (p *CDPPage) Reload(ctx context.Context) error {
	return p.run(ctx, 6*p.timeout, chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery))
}

func jsonArg(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

const jsExists = `((sels) => sels.some((s) => { try { return document.querySelector(s) !== null; } catch (e) { return false; } }))(%s)`

const jsTextOf = `((s) => {
	const el = document.querySelector(s);
	if (!el) return {found: false, text: ""};
	return {found: true, text: el.getAttribute("title") || el.innerText || ""};
})(%s)`

const jsClearText = `((s) => {
	const el = document.querySelector(s);
	if (!el) return false;
	el.focus();
	document.execCommand("selectAll", false, null);
	document.execCommand("delete", false, null);
	if ("value" in el && el.value) el.value = "";
	return true;
})(%s)`

const jsForceClick = `((s) => {
	const el = document.querySelector(s);
	if (!el) return false;
	for (const type of ["mousedown", "mouseup", "click"]) {
		el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: window}));
	}
	return true;
})(%s)`

const jsUnreadChats = `((sel) => {
	document.querySelectorAll("[data-pa-candidate]").forEach((el) => el.removeAttribute("data-pa-candidate"));
	const rows = [];
	for (const strategy of sel.unread || []) {
		let hits = [];
		try { hits = document.querySelectorAll(strategy); } catch (e) { continue; }
		hits.forEach((hit) => {
			const row = hit.closest(sel.chatRowAncestor);
			if (row && !rows.includes(row)) rows.push(row);
		});
	}
	return JSON.stringify(rows.map((row, i) => {
		row.setAttribute("data-pa-candidate", String(i));
		const title = row.querySelector(sel.chatRowTitle);
		return {
			selector: '[data-pa-candidate="' + i + '"]',
			name: title ? (title.getAttribute("title") || title.innerText || "") : "",
		};
	}));
})(%s)`

const jsLastMessage = `((sel) => {
	const rows = Array.from(document.querySelectorAll(sel.messageRow))
		.filter((r) => r.querySelector(sel.provenance));
	if (rows.length === 0) return "";
	const row = rows[rows.length - 1];
	const idEl = row.matches("[data-id]") ? row : row.querySelector("[data-id]");
	const prov = row.querySelector(sel.provenance);
	const id = idEl ? idEl.getAttribute("data-id") || "" : "";
	const q = (s) => { try { return s ? row.querySelector(s) : null; } catch (e) { return null; } };
	const audio = q(sel.audio);
	const img = q(sel.image);
	const doc = q(sel.document);
	const link = doc ? q(sel.documentLink) : null;
	let docTitle = "";
	if (doc && sel.documentTitle) {
		let t = null;
		try {
			for (let el = doc; el && !t; el = el === row ? null : el.parentElement) {
				t = el.matches(sel.documentTitle) ? el : el.querySelector(sel.documentTitle);
			}
		} catch (e) {}
		docTitle = t ? t.getAttribute("title") || "" : "";
	}
	return JSON.stringify({
		id: id,
		provenance: prov ? prov.getAttribute("data-pre-plain-text") || "" : "",
		ariaLabel: row.getAttribute("aria-label") || "",
		outgoing: id.startsWith("true_") || !!q(sel.outgoingMark) || row.matches(sel.outgoingMark),
		texts: (sel.text || []).map((s) => { const el = q(s); return el ? el.innerText || "" : ""; }),
		innerText: row.innerText || "",
		audioSrc: audio ? audio.getAttribute("src") || "" : "",
		playControl: !!q(sel.playControl),
		imageSrc: img ? img.getAttribute("src") || "" : "",
		docPresent: !!doc,
		docTitle: docTitle,
		docHref: link ? link.getAttribute("href") || "" : "",
		docMime: link ? link.getAttribute("type") || "" : "",
	});
})(%s)`

const jsFetchBlob = `(async (url) => {
	try {
		const res = await fetch(url);
		const blob = await res.blob();
		return await new Promise((resolve) => {
			const reader = new FileReader();
			reader.onloadend = () => resolve(typeof reader.result === "string" ? reader.result : "");
			reader.onerror = () => resolve("");
			reader.readAsDataURL(blob);
		});
	} catch (e) {
		return "";
	}
})(%s)`
