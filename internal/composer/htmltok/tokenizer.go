// Package htmltok adapts golang.org/x/net/html's byte-stream tokenizer for
// fragment-aware rewriting: it exposes just enough of each token (kind, tag
// name, attributes, and the exact raw bytes) for the template parser to
// recognize fragment/slot/custom tags while passing everything else through
// verbatim via Raw().
package htmltok

import (
	"bytes"

	"golang.org/x/net/html"
)

// Kind classifies a token the way the parser needs to branch on it.
type Kind int

// Token kinds the parser distinguishes.
const (
	Text Kind = iota
	StartTag
	EndTag
	SelfClosingTag
	Other // comments, doctype, and anything else passed through verbatim
)

// Token is one tokenizer event, trimmed to what the parser consumes.
type Token struct {
	Kind  Kind
	Name  string
	Attrs map[string]string
	// Raw holds the exact source bytes for this token, valid for every
	// kind, used to reconstruct literal runs byte-for-byte.
	Raw []byte
}

// Tokenizer wraps html.Tokenizer over a byte slice.
type Tokenizer struct {
	z *html.Tokenizer
}

// New builds a Tokenizer over src. src is not retained after Next stops
// returning tokens that reference it (Raw copies are taken eagerly).
func New(src []byte) *Tokenizer {
	return &Tokenizer{z: html.NewTokenizer(bytes.NewReader(src))}
}

// Next returns the next token, or ok=false at EOF. Malformed input never
// returns an error: the underlying tokenizer degrades unrecognized byte
// sequences to text tokens, so arbitrary input always terminates cleanly.
func (t *Tokenizer) Next() (Token, bool) {
	tt := t.z.Next()
	if tt == html.ErrorToken {
		return Token{}, false
	}
	raw := append([]byte(nil), t.z.Raw()...)
	switch tt {
	case html.TextToken:
		return Token{Kind: Text, Raw: raw}, true
	case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
		tok := t.z.Token()
		attrs := make(map[string]string, len(tok.Attr))
		for _, a := range tok.Attr {
			attrs[a.Key] = a.Val
		}
		kind := StartTag
		if tt == html.EndTagToken {
			kind = EndTag
		} else if tt == html.SelfClosingTagToken {
			kind = SelfClosingTag
		}
		return Token{Kind: kind, Name: tok.Data, Attrs: attrs, Raw: raw}, true
	default:
		return Token{Kind: Other, Raw: raw}, true
	}
}
