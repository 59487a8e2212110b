package kernel

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimePDF  = "application/pdf"
)

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".tsv": true, ".json": true,
	".xml": true, ".yaml": true, ".yml": true, ".log": true, ".html": true, ".htm": true,
}

const extractPrompt = "Extract all readable text from this document. Return only the text, preserving paragraph breaks. Do not summarize."

// ExtractDocumentText returns up to maxChars characters of a document's text.
// Plain text and .docx are read locally; PDFs and other formats are sent to
// the model as a file part.
func (c *Client) ExtractDocumentText(ctx context.Context, doc []byte, filename, mimeType string, maxChars int) (string, error) {
	if len(doc) == 0 {
		return "", nil
	}
	if maxChars <= 0 {
		maxChars = 6000
	}
	ext := strings.ToLower(filepath.Ext(filename))
	mimeType = strings.ToLower(mimeType)

	var (
		text string
		err  error
	)
	switch {
	case isTextLike(mimeType, ext):
		text = strings.ToValidUTF8(string(doc), "")
	case ext == ".docx" || mimeType == mimeDocx:
		text, err = docxText(doc)
	default:
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = mimePDF
		}
		if filename == "" {
			filename = "document.pdf"
		}
		text, err = c.runWithFile(ctx, doc, extractPrompt, filename, mimeType)
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filename, err)
	}

	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > maxChars {
		text = strings.TrimSpace(string([]rune(text)[:maxChars]))
	}
	c.logger.Info("document extracted", "file", filename, "chars", utf8.RuneCountInString(text))
	return text, nil
}

func isTextLike(mimeType, ext string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml", "application/csv":
		return true
	}
	return textExtensions[ext]
}

// docxText reads the paragraphs of word/document.xml, one per line.
func docxText(doc []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return "", fmt.Errorf("docx has no word/document.xml")
	}
	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		out    strings.Builder
		para   strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(para.String()); s != "" {
					out.WriteString(s)
					out.WriteByte('\n')
				}
				para.Reset()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	return out.String(), nil
}
