package browser

import (
	"fmt"
	"strings"
	"testing"
)

func TestLastMessageScript_UsesConfiguredDocumentTitle(t *testing.T) {
	sel := DefaultSelectors()
	sel.DocumentTitle = `span.doc-name[title]`
	expr := fmt.Sprintf(jsLastMessage, jsonArg(sel))

	if !strings.Contains(expr, `"documentTitle":"span.doc-name[title]"`) {
		t.Fatalf("expected documentTitle passed to the script, got %s", expr)
	}
	if !strings.Contains(jsLastMessage, "el.querySelector(sel.documentTitle)") {
		t.Fatal("document title should be looked up around the document element")
	}
	if strings.Contains(jsLastMessage, `row.querySelector("[title]")`) {
		t.Fatal("document title must not be read from the first titled element of the row")
	}
}

func TestLastMessageScript_RowsNeedProvenance(t *testing.T) {
	i := strings.Index(jsLastMessage, ".filter(")
	if i < 0 {
		t.Fatal("expected a row filter")
	}
	filter := jsLastMessage[i : i+strings.Index(jsLastMessage[i:], "\n")]
	if filter != ".filter((r) => r.querySelector(sel.provenance));" {
		t.Fatalf("expected rows filtered on the provenance marker only, got %q", filter)
	}
}
