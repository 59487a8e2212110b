package domain

import "time"

// MediaType classifies the payload carried by an observed chat message.
type MediaType string

const (
	MediaText     MediaType = "text"
	MediaImage    MediaType = "image"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// MessagePayload is one inbound message as observed in the rendered chat.
// It lives for a single dispatch and is never persisted.
type MessagePayload struct {
	Text      string
	MediaType MediaType

	ImageBytes []byte
	AudioBytes []byte
	DocBytes   []byte
	DocName    string
	DocMime    string
	ImageMime  string
	AudioMime  string

	IdentityToken string

	// MediaDetected is true whenever a media marker was present in the row,
	// even if the bytes could not be decoded.
	MediaDetected bool

	Sender     string // chat header title at the time of observation
	ObservedAt time.Time
}

// MediaBytes returns the decoded bytes for the payload's media type, if any.
func (p *MessagePayload) MediaBytes() []byte {
	switch p.MediaType {
	case MediaImage:
		return p.ImageBytes
	case MediaAudio:
		return p.AudioBytes
	case MediaDocument:
		return p.DocBytes
	default:
		return nil
	}
}

// Degraded reports whether media was seen but its bytes are missing.
func (p *MessagePayload) Degraded() bool {
	return p.MediaDetected && len(p.MediaBytes()) == 0
}

// OutboundReply is a single reply to deliver into the currently open chat.
type OutboundReply struct {
	Text     string
	FilePath string
	Caption  string

	// Temporary marks FilePath as a generated file the caller removes after delivery.
	Temporary bool
}

// Empty reports whether there is nothing to send.
func (r OutboundReply) Empty() bool {
	return r.Text == "" && r.FilePath == ""
}

// ChatReply is a reply addressed to a chat by its display name. It is used
// for messages that do not answer the chat currently being scanned.
type ChatReply struct {
	Chat   string
	Reply  OutboundReply
	Source string // e.g. "scheduler:<job id>" or "cli"
}
