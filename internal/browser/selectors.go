package browser

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Selectors holds every CSS selector the pipeline uses against the web
// client. A single field may contain a comma-separated selector list.
type Selectors struct {
	// Login markers.
	QRCode   string `yaml:"qrCode" json:"qrCode"`
	ChatList string `yaml:"chatList" json:"chatList"`
	ChatGrid string `yaml:"chatGrid" json:"chatGrid"`
	Textbox  string `yaml:"textbox" json:"textbox"`

	// Chat navigation.
	ChatHeader      string   `yaml:"chatHeader" json:"chatHeader"`
	HeaderTitle     string   `yaml:"headerTitle" json:"headerTitle"`
	ChatRow         string   `yaml:"chatRow" json:"chatRow"`
	ChatRowAncestor string   `yaml:"chatRowAncestor" json:"chatRowAncestor"`
	ChatRowTitle    string   `yaml:"chatRowTitle" json:"chatRowTitle"`
	Unread          []string `yaml:"unread" json:"unread"`
	SearchBox       string   `yaml:"searchBox" json:"searchBox"`
	SearchResult    string   `yaml:"searchResult" json:"searchResult"`

	// Message rows.
	MessageRow    string   `yaml:"messageRow" json:"messageRow"`
	Provenance    string   `yaml:"provenance" json:"provenance"`
	OutgoingMark  string   `yaml:"outgoingMark" json:"outgoingMark"`
	Text          []string `yaml:"text" json:"text"`
	Audio         string   `yaml:"audio" json:"audio"`
	PlayControl   string   `yaml:"playControl" json:"playControl"`
	Image         string   `yaml:"image" json:"image"`
	Document      string   `yaml:"document" json:"document"`
	DocumentTitle string   `yaml:"documentTitle" json:"documentTitle"` // searched outward from the document element
	DocumentLink  string   `yaml:"documentLink" json:"documentLink"`

	// Composer.
	InputBox     string `yaml:"inputBox" json:"inputBox"`
	AttachButton string `yaml:"attachButton" json:"attachButton"`
	FileInput    string `yaml:"fileInput" json:"fileInput"`
	CaptionBox   string `yaml:"captionBox" json:"captionBox"`
	SendButton   string `yaml:"sendButton" json:"sendButton"`
}

// DefaultSelectors returns selectors matching the current WhatsApp Web markup.
func DefaultSelectors() Selectors {
	return Selectors{
		QRCode:   `canvas[aria-label*="Scan"], div[data-ref] canvas`,
		ChatList: `#pane-side`,
		ChatGrid: `div[aria-label="Chat list"][role="grid"]`,
		Textbox:  `div[role="textbox"]`,

		ChatHeader:      `#main header`,
		HeaderTitle:     `#main header span[title], #main header span[dir="auto"]`,
		ChatRow:         `#pane-side div[role="listitem"], #pane-side div[role="row"]`,
		ChatRowAncestor: `div[role="listitem"], div[role="row"]`,
		ChatRowTitle:    `span[title]`,
		Unread: []string{
			`#pane-side span[aria-label*="unread message"]`,
			`#pane-side span[data-testid="icon-unread-count"]`,
			`#pane-side [aria-label*="unread"]`,
		},
		SearchBox:    `#side div[contenteditable="true"]`,
		SearchResult: `#pane-side span[title]`,

		MessageRow:   `#main div[role="row"]`,
		Provenance:   `[data-pre-plain-text]`,
		OutgoingMark: `.message-out`,
		Text: []string{
			`span.selectable-text.copyable-text`,
			`span.selectable-text`,
			`div.copyable-text span[dir="ltr"]`,
		},
		Audio:         `audio`,
		PlayControl:   `span[data-icon="audio-play"], button[aria-label="Play voice message"]`,
		Image:         `img[src^="blob:"], img[src^="data:image"]`,
		Document:      `span[data-icon^="doc-"], div[data-testid="document-thumb"]`,
		DocumentTitle: `span[title], div[title]`,
		DocumentLink:  `a[href^="blob:"], a[download], a[href]`,

		InputBox:     `footer div[contenteditable="true"]`,
		AttachButton: `span[data-icon="plus"], span[data-icon="attach-menu-plus"], div[title="Attach"]`,
		FileInput:    `input[type="file"]`,
		CaptionBox:   `div[aria-label="Add a caption"][contenteditable="true"]`,
		SendButton:   `span[data-icon="send"], div[aria-label="Send"]`,
	}
}

// LoadSelectors returns the default selectors overlaid with any fields set in
// the YAML file at path. An empty path returns the defaults unchanged.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sel, fmt.Errorf("read selectors %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &sel); err != nil {
		return sel, fmt.Errorf("parse selectors %s: %w", path, err)
	}
	return sel, nil
}

// ChatMarkers returns the selectors whose presence means the chat UI loaded.
func (s Selectors) ChatMarkers() []string {
	return nonEmpty(s.ChatList, s.ChatGrid, s.Textbox)
}

func nonEmpty(in ...string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
