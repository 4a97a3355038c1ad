// Package parser extracts NOTE(vNext) and DONE(vNext) annotation tags from
// source text.
package parser

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/starford/tagledger/internal/models"
)

// SnippetLen is the maximum snippet length in characters.
const SnippetLen = 200

// ErrNotText is returned by Decode for content that is not valid UTF-8.
var ErrNotText = errors.New("parser: content is not valid UTF-8")

var (
	noteRe = regexp.MustCompile(`(?i)NOTE\(vNext\):\s*(\S+)`)
	doneRe = regexp.MustCompile(`(?i)DONE\(vNext\):\s*(\S+)`)
)

// Hit is one tag occurrence.
type Hit struct {
	Kind    models.TagKind
	Slug    string
	Line    int // 1-based
	Snippet string
}

// Decode returns data as text, or ErrNotText when it is not UTF-8.
func Decode(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", ErrNotText
	}
	return string(data), nil
}

// Extract returns every tag in text in line order, note tags before done
// tags on the same line. Slugs longer than models.MaxSlugLen are dropped
// rather than truncated.
func Extract(text string) []Hit {
	var hits []Hit
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.Contains(line, "(") {
			continue
		}
		hits = appendMatches(hits, noteRe, models.TagNote, line, i+1)
		hits = appendMatches(hits, doneRe, models.TagDone, line, i+1)
	}
	return hits
}

func appendMatches(hits []Hit, re *regexp.Regexp, kind models.TagKind, line string, lineNo int) []Hit {
	matches := re.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return hits
	}
	snippet := Snippet(line)
	for _, m := range matches {
		if !models.ValidSlug(m[1]) {
			continue
		}
		hits = append(hits, Hit{Kind: kind, Slug: m[1], Line: lineNo, Snippet: snippet})
	}
	return hits
}

// Snippet trims line and caps it at SnippetLen characters.
func Snippet(line string) string {
	s := strings.TrimSpace(line)
	if utf8.RuneCountInString(s) <= SnippetLen {
		return s
	}
	r := []rune(s)
	return string(r[:SnippetLen])
}
