package dispatch

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	gmtext "github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(
	extension.Strikethrough,
	extension.Table,
	extension.Linkify,
))

// FormatWhatsApp converts Markdown to the subset WhatsApp renders:
// *bold*, _italic_, ~strike~, `mono` and ``` blocks. Headings become bold,
// links become "text (url)" and bullets become "•".
func FormatWhatsApp(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	src := []byte(md)
	doc := markdown.Parser().Parse(gmtext.NewReader(src))
	f := waFormatter{src: src}
	return strings.TrimSpace(f.children(doc, "\n\n"))
}

type waFormatter struct {
	src []byte
}

func (f waFormatter) children(n ast.Node, sep string) string {
	var parts []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if s := f.block(c); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func (f waFormatter) block(n ast.Node) string {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		return f.inline(n)
	case *ast.Heading:
		return "*" + strings.TrimSpace(f.inline(n)) + "*"
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return "```\n" + strings.TrimRight(f.lines(n), "\n") + "\n```"
	case *ast.HTMLBlock:
		return strings.TrimRight(f.lines(n), "\n")
	case *ast.List:
		return f.list(n)
	case *ast.Blockquote:
		return prefixLines(f.children(n, "\n\n"), "> ", "> ")
	case *ast.ThematicBreak:
		return "----"
	case *east.Table:
		return f.table(n)
	default:
		return f.children(n, "\n\n")
	}
}

func (f waFormatter) list(n *ast.List) string {
	var items []string
	num := n.Start
	if num == 0 {
		num = 1
	}
	for item := n.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "• "
		if n.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}
		sep := "\n"
		if !n.IsTight {
			sep = "\n\n"
		}
		body := f.children(item, sep)
		items = append(items, prefixLines(body, marker, strings.Repeat(" ", 2)))
	}
	return strings.Join(items, "\n")
}

func (f waFormatter) table(n *east.Table) string {
	var rows []string
	for row := n.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, strings.TrimSpace(f.inline(cell)))
		}
		line := strings.Join(cells, " | ")
		if _, ok := row.(*east.TableHeader); ok {
			line = "*" + line + "*"
		}
		rows = append(rows, line)
	}
	return strings.Join(rows, "\n")
}

func (f waFormatter) lines(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(f.src))
	}
	return sb.String()
}

func (f waFormatter) inline(n ast.Node) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		f.writeInline(&sb, c)
	}
	return sb.String()
}

func (f waFormatter) writeInline(sb *strings.Builder, n ast.Node) {
	switch n := n.(type) {
	case *ast.Text:
		sb.Write(n.Segment.Value(f.src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			sb.WriteByte('\n')
		}
	case *ast.String:
		sb.Write(n.Value)
	case *ast.CodeSpan:
		sb.WriteString("`" + f.inline(n) + "`")
	case *ast.Emphasis:
		mark := "_"
		if n.Level >= 2 {
			mark = "*"
		}
		sb.WriteString(mark + f.inline(n) + mark)
	case *east.Strikethrough:
		sb.WriteString("~" + f.inline(n) + "~")
	case *ast.Link:
		label, dest := f.inline(n), string(n.Destination)
		if label == "" || label == dest {
			sb.WriteString(dest)
		} else {
			sb.WriteString(label + " (" + dest + ")")
		}
	case *ast.AutoLink:
		sb.Write(n.URL(f.src))
	case *ast.Image:
		sb.WriteString("[Image: " + f.inline(n) + "]")
	case *ast.RawHTML:
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			sb.Write(seg.Value(f.src))
		}
	default:
		sb.WriteString(f.inline(n))
	}
}

// prefixLines puts first before the first line and rest before the others.
func prefixLines(s, first, rest string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		switch {
		case i == 0:
			lines[i] = first + l
		case l == "":
		default:
			lines[i] = rest + l
		}
	}
	return strings.Join(lines, "\n")
}
