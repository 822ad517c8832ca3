package composer

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// pipeHookAttrs renders a pipe hook's dynamic third argument, preserving
// the exact key ordering "id" then "range" that spec.md §9 asserts, with
// any extra keys from the host's AttributeMapper appended afterward in
// sorted order for determinism.
func pipeHookAttrs(d *FragmentDescriptor, mapper AttributeMapper) string {
	var b strings.Builder
	b.WriteByte('{')
	b.WriteString(`"id":`)
	b.WriteString(formatID(d))
	b.WriteString(`,"range":[`)
	b.WriteString(strconv.Itoa(d.IndexLo))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(d.IndexHi))
	b.WriteString(`]`)

	if mapper != nil {
		extra := mapper.PipeAttributes(d.Attrs)
		keys := make([]string, 0, len(extra))
		for k := range extra {
			if k == "id" || k == "range" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(',')
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, err := json.Marshal(extra[k])
			if err != nil {
				vb = []byte("null")
			}
			b.Write(vb)
		}
	}
	b.WriteByte('}')
	return b.String()
}

// formatID renders the descriptor's id per spec.md §4.5: the explicit id
// quoted as a string if set, else the fragment's lo index as a bare
// integer.
func formatID(d *FragmentDescriptor) string {
	if d.ID != "" {
		b, _ := json.Marshal(d.ID)
		return string(b)
	}
	return strconv.Itoa(d.IndexLo)
}

// pipeCall renders one "p.<method>(args...)" call wrapped in a data-pipe
// script tag, instanceName being the host's configured pipe global.
func pipeCall(instanceName, method string, args ...string) string {
	var b strings.Builder
	b.WriteString(`<script data-pipe>`)
	b.WriteString(instanceName)
	b.WriteByte('.')
	b.WriteString(method)
	b.WriteByte('(')
	b.WriteString(strings.Join(args, ", "))
	b.WriteString(`)</script>`)
	return b.String()
}

// syncAssetPlan describes how many nested p.start/p.end calls a fragment's
// region needs, and which index/URL each one carries.
type syncAssetPlan struct {
	indices []int
	hrefs   []string // "" for the plain no-asset call
}

// planSyncAssets builds the nested-call plan for a fragment's reserved
// index span, one call per fragment-script asset (spec.md §4.5 "Sync, N
// assets"). It applies no cap itself: scripts come from ParseLinkHeader,
// which has already capped them at the host's maxAssetLinks.
func planSyncAssets(d *FragmentDescriptor, scripts []AssetEntry) syncAssetPlan {
	if len(scripts) == 0 {
		return syncAssetPlan{indices: []int{d.IndexLo}, hrefs: []string{""}}
	}
	plan := syncAssetPlan{}
	for i, a := range scripts {
		plan.indices = append(plan.indices, d.IndexLo+i)
		plan.hrefs = append(plan.hrefs, a.Href)
	}
	return plan
}

// writeFragmentStarts writes the (possibly nested) opening pipe-hook calls
// for a fragment's region, outermost first.
func writeFragmentStarts(b *strings.Builder, instanceName string, d *FragmentDescriptor, plan syncAssetPlan, mapper AttributeMapper) {
	attrs := pipeHookAttrs(d, mapper)
	for i, idx := range plan.indices {
		if plan.hrefs[i] == "" {
			b.WriteString(pipeCall(instanceName, "start", strconv.Itoa(idx)))
			continue
		}
		href, _ := json.Marshal(plan.hrefs[i])
		b.WriteString(pipeCall(instanceName, "start", strconv.Itoa(idx), string(href), attrs))
	}
}

// writeFragmentEnds writes the closing pipe-hook calls in reverse index
// order, matching writeFragmentStarts.
func writeFragmentEnds(b *strings.Builder, instanceName string, plan syncAssetPlan) {
	for i := len(plan.indices) - 1; i >= 0; i-- {
		b.WriteString(pipeCall(instanceName, "end", strconv.Itoa(plan.indices[i])))
	}
}

// writePlaceholder writes an async fragment's inline region: the
// placeholder hook plus one loadCSS call per discovered stylesheet.
func writePlaceholder(b *strings.Builder, instanceName string, d *FragmentDescriptor, stylesheets []AssetEntry) {
	b.WriteString(pipeCall(instanceName, "placeholder", strconv.Itoa(d.IndexLo)))
	for _, s := range stylesheets {
		href, _ := json.Marshal(s.Href)
		b.WriteString(`<script>`)
		b.WriteString(instanceName)
		b.WriteString(".loadCSS(")
		b.Write(href)
		b.WriteString(")</script>")
	}
}
