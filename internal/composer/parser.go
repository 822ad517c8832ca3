package composer

import (
	"strconv"
	"strings"

	"github.com/pipeweave/pipeweave/internal/composer/htmltok"
)

// Parser builds a Document from base and child template bytes. A Parser is
// safe for concurrent use: Parse touches no shared state besides the
// read-only handledTags set it was built with.
type Parser struct {
	handledTags map[string]struct{}
}

// NewParser builds a Parser that delegates the given tag names to a host
// tag handler (spec.md §6 handledTags), matched case-insensitively.
func NewParser(handledTags []string) *Parser {
	m := make(map[string]struct{}, len(handledTags))
	for _, t := range handledTags {
		m[strings.ToLower(t)] = struct{}{}
	}
	return &Parser{handledTags: m}
}

func (p *Parser) isHandledTag(name string) bool {
	_, ok := p.handledTags[name]
	return ok
}

// Parse is the pure, host-cacheable entry point: it never touches request
// context, so its result may be memoized by template key outside the core
// (spec.md §9 "Template cache boundary").
func (p *Parser) Parse(base, child []byte) (*Document, error) {
	doc := &Document{}
	childToks, slotRanges, warnings := buildSlotRanges(child)
	doc.Warnings = append(doc.Warnings, warnings...)

	baseToks := tokenizeAll(base)
	b := &baseState{
		parser:     p,
		doc:        doc,
		childToks:  childToks,
		slotRanges: slotRanges,
	}
	b.dest = &doc.Body
	b.walk(baseToks, 0, len(baseToks))
	b.flushLit()
	return doc, nil
}

func tokenizeAll(src []byte) []htmltok.Token {
	if len(src) == 0 {
		return nil
	}
	tz := htmltok.New(src)
	var toks []htmltok.Token
	for {
		tok, ok := tz.Next()
		if !ok {
			break
		}
		toks = append(toks, tok)
	}
	return toks
}

// voidElements never carry a matching close tag; the depth scanner must not
// wait for one.
var voidElements = map[string]struct{}{
	"area": {}, "base": {}, "br": {}, "col": {}, "embed": {}, "hr": {},
	"img": {}, "input": {}, "link": {}, "meta": {}, "param": {},
	"source": {}, "track": {}, "wbr": {},
}

func isVoidElement(name string) bool {
	_, ok := voidElements[name]
	return ok
}

func isFragmentStart(name string, attrs map[string]string) bool {
	if name == "fragment" {
		return true
	}
	return name == "script" && strings.EqualFold(attrs["type"], "fragment")
}

func isSlotStart(name string, attrs map[string]string) bool {
	if name == "slot" {
		return true
	}
	return name == "script" && strings.EqualFold(attrs["type"], "slot")
}

func slotKeyOf(attrs map[string]string) string {
	v, ok := attrs["slot"]
	if !ok || v == "" {
		return "default"
	}
	if strings.EqualFold(v, "default") {
		return "default"
	}
	return v
}

func slotNameOf(attrs map[string]string) string {
	v, ok := attrs["name"]
	if !ok || v == "" || strings.EqualFold(v, "default") {
		return "default"
	}
	return v
}

func attrBool(attrs map[string]string, key string) bool {
	v, ok := attrs[key]
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "false", "0", "no":
		return false
	default:
		return true
	}
}

func attrInt(attrs map[string]string, key string) int {
	v, ok := attrs[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

func buildFragmentDescriptor(attrs map[string]string, ordinal int) *FragmentDescriptor {
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return &FragmentDescriptor{
		Index:       ordinal,
		ID:          attrs["id"],
		Src:         attrs["src"],
		FallbackSrc: attrs["fallback-src"],
		Primary:     attrBool(attrs, "primary"),
		Async:       attrBool(attrs, "async"),
		Public:      attrBool(attrs, "public"),
		TimeoutMS:   attrInt(attrs, "timeout"),
		Attrs:       cp,
	}
}

// findMatchingEnd returns the index of the end tag that closes the start
// tag at openIdx, tracking generic nesting depth (any tag, void-aware), so
// that container identity mismatches in malformed markup degrade gracefully
// rather than panicking. If no closer is found it consumes to EOF.
func findMatchingEnd(toks []htmltok.Token, openIdx int) int {
	depth := 1
	j := openIdx + 1
	for j < len(toks) {
		switch toks[j].Kind {
		case htmltok.StartTag:
			if !isVoidElement(strings.ToLower(toks[j].Name)) {
				depth++
			}
		case htmltok.EndTag:
			depth--
			if depth == 0 {
				return j
			}
		}
		j++
	}
	return len(toks) - 1
}

// baseState walks the base template's tokens, emitting into doc.HeadLiterals
// or doc.Body depending on which container is currently open, and resolving
// <slot>/<script type="slot"> tags against the child template's top-level
// ranges at the point of substitution (so fragments discovered inside
// substituted child content register in true document-emission order).
type baseState struct {
	parser *Parser
	doc    *Document

	childToks  []htmltok.Token
	slotRanges map[string][]slotRange

	dest           *[]Instruction
	litBuf         []byte
	sawDefaultSlot bool
}

func (b *baseState) flushLit() {
	if len(b.litBuf) == 0 {
		return
	}
	*b.dest = append(*b.dest, Literal{Bytes: append([]byte(nil), b.litBuf...)})
	b.litBuf = b.litBuf[:0]
}

func (b *baseState) emit(inst Instruction) {
	b.flushLit()
	*b.dest = append(*b.dest, inst)
}

func (b *baseState) emitTo(target *[]Instruction, inst Instruction) {
	*target = append(*target, inst)
}

// walk processes toks[lo:hi) into b.dest (as set by the caller), handling
// shell tags, fragments, slots, and delegated custom tags; everything else
// coalesces into literal runs.
func (b *baseState) walk(toks []htmltok.Token, lo, hi int) {
	i := lo
	for i < hi {
		t := toks[i]
		switch t.Kind {
		case htmltok.Text, htmltok.Other:
			b.litBuf = append(b.litBuf, t.Raw...)
			i++
			continue
		case htmltok.EndTag:
			// html/head/body closers are dropped, like their openers: the
			// renderer writes the document shell itself. Any other end tag,
			// including a stray close with no corresponding open in this
			// range, is passed through as literal text.
			switch strings.ToLower(t.Name) {
			case "html", "head", "body":
			default:
				b.litBuf = append(b.litBuf, t.Raw...)
			}
			i++
			continue
		}

		// StartTag or SelfClosingTag from here on.
		name := strings.ToLower(t.Name)
		switch {
		case name == "html":
			b.doc.Shell.HasHTML = true
			i++

		case name == "head":
			b.doc.Shell.HasHead = true
			b.flushLit()
			if t.Kind == htmltok.SelfClosingTag {
				i++
				continue
			}
			end := findMatchingEnd(toks, i)
			prevDest := b.dest
			b.dest = &b.doc.HeadLiterals
			b.walk(toks, i+1, end)
			b.flushLit()
			b.dest = prevDest
			i = end + 1

		case name == "body":
			b.doc.Shell.HasBody = true
			i++

		case isFragmentStart(name, t.Attrs):
			desc := buildFragmentDescriptor(t.Attrs, len(b.doc.Fragments))
			b.doc.Fragments = append(b.doc.Fragments, desc)
			target := b.dest
			if name == "script" {
				target = &b.doc.HeadLiterals
			}
			if target == b.dest {
				b.emit(FragmentInstr{Descriptor: desc})
			} else {
				b.flushLit()
				b.emitTo(target, FragmentInstr{Descriptor: desc})
			}
			if t.Kind == htmltok.StartTag {
				end := findMatchingEnd(toks, i)
				b.scanNestedFragments(toks, i+1, end, target)
				i = end + 1
			} else {
				i++
			}

		case isSlotStart(name, t.Attrs):
			key := slotNameOf(t.Attrs)
			var fallback []Instruction
			if t.Kind == htmltok.StartTag {
				end := findMatchingEnd(toks, i)
				fallback = b.parseFlat(toks, i+1, end)
				i = end + 1
			} else {
				i++
			}
			resolved, warn := b.resolveSlot(key, fallback)
			if warn != "" {
				b.doc.Warnings = append(b.doc.Warnings, warn)
			}
			b.flushLit()
			*b.dest = append(*b.dest, resolved...)

		case b.parser.isHandledTag(name):
			b.emit(CustomTagInstr{Name: name, Attrs: t.Attrs})
			if t.Kind == htmltok.StartTag {
				end := findMatchingEnd(toks, i)
				i = end + 1
			} else {
				i++
			}

		default:
			b.litBuf = append(b.litBuf, t.Raw...)
			i++
		}
	}
}

// parseFlat parses toks[lo:hi) into a standalone instruction list (used for
// slot fallback content), registering any fragments it discovers into the
// same Document.Fragments ordinal sequence as the enclosing walk.
func (b *baseState) parseFlat(toks []htmltok.Token, lo, hi int) []Instruction {
	var out []Instruction
	sub := &baseState{
		parser:     b.parser,
		doc:        b.doc,
		childToks:  b.childToks,
		slotRanges: b.slotRanges,
		dest:       &out,
	}
	sub.walk(toks, lo, hi)
	sub.flushLit()
	return out
}

// scanNestedFragments implements the nested-fragment flattening rule: an
// outer fragment's non-fragment children are discarded entirely, but any
// <fragment>/<script type="fragment"> encountered at any depth inside it is
// promoted to a sibling instruction at the outer fragment's own level.
func (b *baseState) scanNestedFragments(toks []htmltok.Token, lo, hi int, target *[]Instruction) {
	i := lo
	for i < hi {
		t := toks[i]
		if t.Kind == htmltok.StartTag || t.Kind == htmltok.SelfClosingTag {
			name := strings.ToLower(t.Name)
			if isFragmentStart(name, t.Attrs) {
				desc := buildFragmentDescriptor(t.Attrs, len(b.doc.Fragments))
				b.doc.Fragments = append(b.doc.Fragments, desc)
				b.emitTo(target, FragmentInstr{Descriptor: desc})
				if t.Kind == htmltok.StartTag {
					end := findMatchingEnd(toks, i)
					b.scanNestedFragments(toks, i+1, end, target)
					i = end + 1
					continue
				}
				i++
				continue
			}
			if t.Kind == htmltok.StartTag {
				end := findMatchingEnd(toks, i)
				i = end + 1
				continue
			}
		}
		i++
	}
}

// resolveSlot decides what to substitute for a <slot name=key> tag: matched
// child content if any, else the slot's own fallback children. Duplicate
// default slots are rendered empty after the first, with a warning.
func (b *baseState) resolveSlot(key string, fallback []Instruction) ([]Instruction, string) {
	if key == "default" {
		if b.sawDefaultSlot {
			return nil, "duplicate default slot: only the first is rendered"
		}
		b.sawDefaultSlot = true
	}
	ranges := b.slotRanges[key]
	if len(ranges) == 0 {
		return fallback, ""
	}
	var matched []Instruction
	for _, r := range ranges {
		matched = append(matched, b.parseFlat(b.childToks, r.lo, r.hi)...)
	}
	return matched, ""
}

// slotRange is a half-open [lo,hi) token range for one top-level node of
// the child template; buildSlotRanges groups these by the slot name they
// target.
type slotRange struct {
	lo, hi int
}

// buildSlotRanges scans the child template's top-level nodes (depth 0,
// void-element aware) and groups their token ranges by slot name; nodes
// without a slot attribute join the default slot.
func buildSlotRanges(child []byte) ([]htmltok.Token, map[string][]slotRange, []string) {
	if len(child) == 0 {
		return nil, nil, nil
	}
	toks := tokenizeAll(child)
	ranges := make(map[string][]slotRange)
	i := 0
	for i < len(toks) {
		t := toks[i]
		switch t.Kind {
		case htmltok.Text, htmltok.Other:
			ranges["default"] = append(ranges["default"], slotRange{i, i + 1})
			i++
		case htmltok.SelfClosingTag:
			key := slotKeyOf(t.Attrs)
			ranges[key] = append(ranges[key], slotRange{i, i + 1})
			i++
		case htmltok.StartTag:
			key := slotKeyOf(t.Attrs)
			if isVoidElement(strings.ToLower(t.Name)) {
				ranges[key] = append(ranges[key], slotRange{i, i + 1})
				i++
				continue
			}
			end := findMatchingEnd(toks, i)
			ranges[key] = append(ranges[key], slotRange{i, end + 1})
			i = end + 1
		case htmltok.EndTag:
			i++
		}
	}
	return toks, ranges, nil
}
