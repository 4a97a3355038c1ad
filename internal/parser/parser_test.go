package parser

import (
	"strings"
	"testing"

	"github.com/starford/tagledger/internal/models"
)

func TestExtract_NoteAndDone(t *testing.T) {
	text := "package x\n// NOTE(vNext): add-cache\nfunc f() {}\n# done(VNEXT):   add-cache trailing words\n"
	hits := Extract(text)
	if len(hits) != 2 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Kind != models.TagNote || hits[0].Slug != "add-cache" || hits[0].Line != 2 {
		t.Errorf("first = %+v", hits[0])
	}
	if hits[1].Kind != models.TagDone || hits[1].Slug != "add-cache" || hits[1].Line != 4 {
		t.Errorf("second = %+v", hits[1])
	}
	if hits[1].Snippet != "# done(VNEXT):   add-cache trailing words" {
		t.Errorf("snippet = %q", hits[1].Snippet)
	}
}

func TestExtract_MultiplePerLine(t *testing.T) {
	hits := Extract("NOTE(vNext): a NOTE(vNext): b DONE(vNext): c")
	if len(hits) != 3 {
		t.Fatalf("hits = %+v", hits)
	}
	want := []string{"a", "b", "c"}
	for i, h := range hits {
		if h.Slug != want[i] {
			t.Errorf("hit %d slug = %q, want %q", i, h.Slug, want[i])
		}
	}
}

func TestExtract_CRLF(t *testing.T) {
	hits := Extract("x\r\nNOTE(vNext): crlf\r\n")
	if len(hits) != 1 || hits[0].Slug != "crlf" || hits[0].Line != 2 {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestExtract_SlugBound(t *testing.T) {
	ok := strings.Repeat("s", models.MaxSlugLen)
	long := strings.Repeat("s", models.MaxSlugLen+1)
	hits := Extract("NOTE(vNext): " + ok + "\nNOTE(vNext): " + long + "\n")
	if len(hits) != 1 || hits[0].Slug != ok {
		t.Fatalf("expected only the %d-character slug, got %d hits", models.MaxSlugLen, len(hits))
	}
}

func TestExtract_NoSlug(t *testing.T) {
	if hits := Extract("NOTE(vNext):\nNOTE(vNext):   \n"); len(hits) != 0 {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestSnippet_Capped(t *testing.T) {
	line := "   " + strings.Repeat("é", SnippetLen+50) + "   "
	s := Snippet(line)
	if got := len([]rune(s)); got != SnippetLen {
		t.Errorf("snippet runes = %d, want %d", got, SnippetLen)
	}
}

func TestDecode(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0xfe, 0x00}); err != ErrNotText {
		t.Errorf("err = %v, want ErrNotText", err)
	}
	s, err := Decode([]byte("ok"))
	if err != nil || s != "ok" {
		t.Errorf("Decode = %q, %v", s, err)
	}
}
