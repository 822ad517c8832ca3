package composer

import (
	"net/http"
	"net/url"
	"strings"
)

// ParseLinkHeader parses the first of Link / X-AMZ-Meta-Link present on
// headers (case-insensitive, Link wins when both are set) into asset
// entries, capping stylesheets and fragment-scripts independently at
// maxAssetLinks and marking cross-origin entries relative to requestHost.
func ParseLinkHeader(headers http.Header, requestHost string, maxAssetLinks int) []AssetEntry {
	raw := headers.Get("Link")
	if raw == "" {
		raw = headers.Get("X-Amz-Meta-Link")
	}
	if raw == "" {
		return nil
	}
	if maxAssetLinks <= 0 {
		maxAssetLinks = 1
	}

	var entries []AssetEntry
	var stylesheets, scripts int
	for _, part := range splitLinkEntries(raw) {
		href, params := parseLinkEntry(part)
		if href == "" {
			continue
		}
		rel := AssetRel(strings.ToLower(params["rel"]))
		switch rel {
		case RelStylesheet:
			if stylesheets >= maxAssetLinks {
				continue
			}
			stylesheets++
		case RelFragmentScript:
			if scripts >= maxAssetLinks {
				continue
			}
			scripts++
		default:
			continue
		}
		entries = append(entries, AssetEntry{
			Href:        href,
			Rel:         rel,
			CrossOrigin: !sameOrigin(href, requestHost),
		})
	}
	return entries
}

// splitLinkEntries splits a Link header value on commas that separate
// whole entries, not the commas that can appear inside a quoted parameter.
func splitLinkEntries(raw string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// parseLinkEntry parses one "<href>; key=\"value\"; key=value" entry.
func parseLinkEntry(entry string) (string, map[string]string) {
	segs := strings.Split(entry, ";")
	href := strings.TrimSpace(segs[0])
	href = strings.TrimPrefix(href, "<")
	href = strings.TrimSuffix(href, ">")
	params := make(map[string]string, len(segs)-1)
	for _, seg := range segs[1:] {
		seg = strings.TrimSpace(seg)
		kv := strings.SplitN(seg, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		params[key] = val
	}
	return href, params
}

// sameOrigin reports whether href's host matches requestHost. A relative
// href (no host component) is always same-origin.
func sameOrigin(href, requestHost string) bool {
	u, err := url.Parse(href)
	if err != nil || u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Host, requestHost)
}
