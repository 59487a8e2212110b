package dispatch

import (
	"strings"
	"unicode"
)

var (
	visualNouns = wordSet("image", "images", "picture", "pictures", "photo", "photos",
		"illustration", "art", "drawing", "artwork", "painting", "sketch", "logo", "poster")
	generationVerbs = wordSet("generate", "create", "make", "draw", "render", "design", "produce")
	showPhrases     = []string{"show me a picture", "show me an image", "show me a photo"}

	referenceKeywords = []string{"generate", "create", "make", "product shot", "enhance",
		"redesign", "new image", "better image", "professional", "marketing"}
	ocrKeywords = []string{"/extract", "/ocr", "extract", "text", "read", "ocr",
		"what does it say", "transcribe"}
	paraphraseKeywords = []string{"/paraphrase", "/summarize", "/summary", "paraphrase",
		"summarize", "summary", "simplify", "explain", "in your own words"}
	financialKeywords = []string{"invoice", "quote", "receipt", "bill", "price", "total",
		"payment", "cost", "amount", "quotation"}
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// ImagePrompt reports whether a plain text message asks for an image to be
// generated. Words are matched whole, so "start of" or "a smart plan" never
// trigger it.
func ImagePrompt(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	hasNoun, hasVerb := false, false
	for i, w := range words {
		if visualNouns[w] {
			hasNoun = true
			if i+1 < len(words) && words[i+1] == "of" {
				return trimmed, true
			}
		}
		if generationVerbs[w] {
			hasVerb = true
		}
	}
	if hasNoun && hasVerb {
		return trimmed, true
	}
	if strings.HasPrefix(lower, "draw ") {
		return trimmed, true
	}
	if containsAny(lower, showPhrases) {
		return trimmed, true
	}
	return "", false
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// looksLikeThumbnail matches message bodies that are a base64 JPEG or PNG
// preview rather than typed text.
func looksLikeThumbnail(s string) bool {
	return strings.HasPrefix(s, "/9j/") || strings.HasPrefix(s, "iVBOR")
}

// command splits "/cmd rest" into its lower-cased command and argument.
func command(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	name, arg, _ := strings.Cut(text, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

const (
	promptFinancial = `Extract all financial information from this document:
- List all items or services with their prices
- Show subtotals, taxes and discounts if present
- Show the TOTAL amount clearly
- Include invoice or quote number, date and company details if visible
- Format prices with currency symbols

Present the information in a clear, structured format.`

	promptParaphrase = `Analyze this image and extract the key information. Don't copy the text verbatim. Instead:
1. Summarize the main points in clear, concise language
2. Paraphrase the content in your own words
3. Highlight the key takeaways or actionable insights

Be thorough but keep it digestible.`

	promptOCR = "Extract and transcribe ALL text from this image. Be thorough and accurate, include every piece of text you can see, and keep the structure where possible."

	promptDescribeProduct = "Describe this product in detail: its type, color, style, material and key features. Be specific and brief."
)

// visionPrompt picks the vision instruction from the caption's intent.
func visionPrompt(sender, caption string) string {
	lower := strings.ToLower(caption)
	switch {
	case containsAny(lower, financialKeywords):
		return promptFinancial
	case containsAny(lower, paraphraseKeywords):
		return promptParaphrase
	case containsAny(lower, ocrKeywords):
		return promptOCR
	}
	p := "User " + sender + " sent an image. "
	if caption != "" {
		p += "Caption: " + caption + "\n"
	}
	return p + "Describe what you see and respond helpfully."
}

// wantsGeneratedFromReference reports whether an image caption asks for a
// new image based on the attached one.
func wantsGeneratedFromReference(caption string) bool {
	return containsAny(strings.ToLower(caption), referenceKeywords)
}
