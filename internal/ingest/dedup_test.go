package ingest

import (
	"fmt"
	"testing"

	"pocketagent/internal/browser"
	"pocketagent/internal/domain"
)

func TestDedupStore_TrueOncePerToken(t *testing.T) {
	d := NewDedupStore(100)
	seq := []string{"a", "b", "a", "c", "b", "a", "d"}

	trues := map[string]int{}
	for _, tok := range seq {
		if d.IsNew(tok) {
			trues[tok]++
		}
	}
	for _, tok := range []string{"a", "b", "c", "d"} {
		if trues[tok] != 1 {
			t.Errorf("token %q: expected exactly one true, got %d", tok, trues[tok])
		}
	}
	if d.Len() != 4 {
		t.Errorf("expected 4 stored, got %d", d.Len())
	}
}

func TestDedupStore_TrimKeepsMostRecentHalf(t *testing.T) {
	d := NewDedupStore(10)
	for i := 0; i < 11; i++ {
		d.IsNew(fmt.Sprintf("t%d", i))
	}

	if d.Len() != 5 {
		t.Fatalf("expected 5 after trim, got %d", d.Len())
	}
	for i := 6; i <= 10; i++ {
		if d.IsNew(fmt.Sprintf("t%d", i)) {
			t.Errorf("t%d should have survived the trim", i)
		}
	}
	// Evicted tokens come back as new.
	if !d.IsNew("t0") {
		t.Error("t0 was evicted and should be accepted again")
	}
}

func TestDedupStore_NeverExceedsCapacity(t *testing.T) {
	d := NewDedupStore(DefaultDedupCapacity)
	for i := 0; i < 5000; i++ {
		d.IsNew(fmt.Sprintf("tok-%d", i))
		if d.Len() > d.Capacity() {
			t.Fatalf("size %d exceeded capacity after insert %d", d.Len(), i)
		}
	}
}

func TestDedupStore_TrimIsInsertionOrderNotAccessOrder(t *testing.T) {
	d := NewDedupStore(4)
	d.IsNew("old")
	d.IsNew("b")
	d.IsNew("c")
	d.IsNew("d")
	// Re-observing does not refresh "old".
	d.IsNew("old")
	d.IsNew("e")

	if !d.IsNew("old") {
		t.Fatal("old should have been evicted despite recent re-observation")
	}
}

func TestNewDedupStore_DefaultsCapacity(t *testing.T) {
	if got := NewDedupStore(0).Capacity(); got != DefaultDedupCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultDedupCapacity, got)
	}
}

func TestIdentityToken_WorkedExample(t *testing.T) {
	row := &browser.RowSnapshot{ID: "abc123", Provenance: "[10:00, 1/1/2026] Bob: ", Texts: []string{"Hello"}}
	tok := IdentityToken(Seed(row), domain.MediaText, "Hello", nil, false)
	if tok != "abc123_text_Hello" {
		t.Fatalf("unexpected token %q", tok)
	}

	d := NewDedupStore(DefaultDedupCapacity)
	if !d.IsNew(tok) {
		t.Fatal("first observation should be new")
	}
	again := IdentityToken(Seed(row), domain.MediaText, "Hello", nil, false)
	if d.IsNew(again) {
		t.Fatal("identical row should be a duplicate")
	}
}

func TestSeed_FallbackOrder(t *testing.T) {
	tests := []struct {
		row  browser.RowSnapshot
		want string
	}{
		{browser.RowSnapshot{ID: "id1", Provenance: "p", AriaLabel: "a"}, "id1"},
		{browser.RowSnapshot{Provenance: "p", AriaLabel: "a"}, "p"},
		{browser.RowSnapshot{AriaLabel: "a"}, "a"},
		{browser.RowSnapshot{}, "anon"},
	}
	for _, tt := range tests {
		if got := Seed(&tt.row); got != tt.want {
			t.Errorf("Seed(%+v) = %q, want %q", tt.row, got, tt.want)
		}
	}
}

func TestIdentityToken_TextFingerprintTruncated(t *testing.T) {
	long := ""
	for i := 0; i < 80; i++ {
		long += "é"
	}
	tok := IdentityToken("s", domain.MediaText, long, nil, false)
	want := "s_text_" + string([]rune(long)[:50])
	if tok != want {
		t.Fatalf("expected 50-rune fingerprint, got %q", tok)
	}
}

func TestIdentityToken_MediaHashesPrefixOnly(t *testing.T) {
	a := make([]byte, 4096)
	b := make([]byte, 4096)
	b[3000] = 1 // differs after the hashed prefix

	ta := IdentityToken("s", domain.MediaImage, "", a, true)
	tb := IdentityToken("s", domain.MediaImage, "", b, true)
	if ta != tb {
		t.Fatal("bytes beyond the first 2048 should not affect the token")
	}
	if len(ta) != len("s_image_")+12 {
		t.Fatalf("expected 12 hex chars of hash, got %q", ta)
	}

	b[10] = 1
	if IdentityToken("s", domain.MediaImage, "", b, true) == ta {
		t.Fatal("bytes within the prefix should change the token")
	}
}

func TestIdentityToken_UndecodedSentinel(t *testing.T) {
	tok := IdentityToken("row9", domain.MediaImage, "caption", nil, true)
	if tok != "row9_image_"+UndecodedFingerprint {
		t.Fatalf("unexpected token %q", tok)
	}
}
