// Package link extracts Amazon product links from free-form text,
// canonicalizes them to a stable product key, and rewrites the affiliate tag.
package link

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// urlRe matches anything that looks like an Amazon URL. Host verification
// happens after parsing; the regex is deliberately loose.
var urlRe = regexp.MustCompile(`(?i)https?://[^\s]*amazon\.[^\s/]+[^\s]*`)

// asinRes are the product-link shapes that carry an ASIN.
var asinRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/dp/([A-Z0-9]{10})(?:[/?#]|$)`),
	regexp.MustCompile(`(?i)/gp/product/([A-Z0-9]{10})(?:[/?#]|$)`),
	regexp.MustCompile(`(?i)[?&]asin=([A-Z0-9]{10})(?:[&#]|$)`),
}

// keepParams are the only query parameters that survive canonicalization;
// everything else is tracking or referral noise.
var keepParams = map[string]bool{
	"asin": true,
}

// Candidate is one product link found in a message.
type Candidate struct {
	// Raw is the URL exactly as it appeared in the text, used to substitute
	// the rewritten link back in place.
	Raw string
	// Key is the canonical product key: the ASIN when one is present,
	// otherwise the tracking-stripped URL.
	Key string
	// ASIN is the 10-character product code, empty when none was found.
	ASIN string
}

// Extract returns the product links in text, ordered by first occurrence.
// Links resolving to the same canonical key are collapsed to the first one.
// Malformed URLs are skipped; non-Amazon URLs are ignored entirely.
func Extract(text string) []Candidate {
	if text == "" {
		return nil
	}
	var out []Candidate
	seen := map[string]bool{}
	for _, raw := range urlRe.FindAllString(text, -1) {
		u, err := url.Parse(raw)
		if err != nil || !isAmazonHost(u.Hostname()) {
			continue
		}
		key := canonicalKey(raw, u)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		asin, _ := ASIN(raw)
		out = append(out, Candidate{Raw: raw, Key: key, ASIN: asin})
	}
	return out
}

// ASIN extracts the product code from an Amazon URL.
func ASIN(rawURL string) (string, bool) {
	for _, re := range asinRes {
		if m := re.FindStringSubmatch(rawURL); m != nil {
			return strings.ToUpper(m[1]), true
		}
	}
	return "", false
}

// StripTracking canonicalizes a product URL: the fragment and every query
// parameter except the ones needed to resolve the product are dropped.
func StripTracking(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.RawQuery = filterQuery(u.Query(), nil)
	return u.String()
}

// WithTag returns the canonical URL with the affiliate tag set, overwriting
// any pre-existing tag. Idempotent for a fixed tag.
func WithTag(rawURL, tag string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.RawQuery = filterQuery(u.Query(), map[string]string{"tag": tag})
	return u.String()
}

// filterQuery keeps only allowlisted parameters, applies extras on top, and
// renders them in stable (sorted) order.
func filterQuery(q url.Values, extra map[string]string) string {
	kept := url.Values{}
	for k, vs := range q {
		if keepParams[strings.ToLower(k)] && len(vs) > 0 {
			kept.Set(strings.ToLower(k), vs[0])
		}
	}
	for k, v := range extra {
		kept.Set(k, v)
	}
	if len(kept) == 0 {
		return ""
	}
	keys := make([]string, 0, len(kept))
	for k := range kept {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kept.Get(k)))
	}
	return b.String()
}

// canonicalKey prefers the ASIN; bare Amazon URLs without a recognizable
// product code fall back to the stripped URL so they still deduplicate.
func canonicalKey(raw string, _ *url.URL) string {
	if asin, ok := ASIN(raw); ok {
		return asin
	}
	return StripTracking(raw)
}

func isAmazonHost(host string) bool {
	for _, label := range strings.Split(strings.ToLower(host), ".") {
		if label == "amazon" {
			return true
		}
	}
	return false
}
