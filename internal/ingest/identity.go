package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"pocketagent/internal/browser"
	"pocketagent/internal/domain"
)

const (
	textFingerprintRunes = 50
	mediaHashPrefixBytes = 2048
	mediaHashHexChars    = 12

	// UndecodedFingerprint stands in for media bytes that could not be read.
	UndecodedFingerprint = "undecoded"
)

// Seed picks the most stable identifier a row offers: its element id, then
// its provenance string, then its accessible label.
func Seed(row *browser.RowSnapshot) string {
	for _, s := range []string{row.ID, row.Provenance, row.AriaLabel} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return "anon"
}

// IdentityToken derives the dedup token for a message as
// seed_mediaType_fingerprint.
func IdentityToken(seed string, media domain.MediaType, text string, data []byte, mediaDetected bool) string {
	return seed + "_" + string(media) + "_" + fingerprint(media, text, data, mediaDetected)
}

func fingerprint(media domain.MediaType, text string, data []byte, mediaDetected bool) string {
	if media == domain.MediaText && !mediaDetected {
		r := []rune(text)
		if len(r) > textFingerprintRunes {
			r = r[:textFingerprintRunes]
		}
		return string(r)
	}
	if len(data) == 0 {
		return UndecodedFingerprint
	}
	if len(data) > mediaHashPrefixBytes {
		data = data[:mediaHashPrefixBytes]
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:mediaHashHexChars]
}
