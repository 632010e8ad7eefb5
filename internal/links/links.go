// Package links recognizes supported social media links and reduces them to
// the canonical form used as the deduplication key.
package links

import (
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/1204al/clipdrop-bot/internal/models"
)

const (
	PlatformTikTok    = "tiktok"
	PlatformInstagram = "instagram"
	PlatformX         = "x"
)

var (
	urlRE       = regexp.MustCompile(`(?i)https?://\S+`)
	xStatusRE   = regexp.MustCompile(`(?i)^/[^/]+/status/\d+`)
	xHosts      = []string{"x.com", "twitter.com", "mobile.twitter.com"}
	igPathParts = []string{"/reel/", "/p/", "/tv/"}

	trackingKeys = []string{"si", "feature", "igshid"}
)

// Classify reports the resource for raw when it is a supported link.
func Classify(raw string) (models.Resource, bool) {
	cleaned := cleanCandidate(raw)
	u, err := url.Parse(cleaned)
	if err != nil {
		return models.Resource{}, false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return models.Resource{}, false
	}

	host := normalizeHost(u)
	platform := platformOf(host, u.EscapedPath())
	if platform == "" {
		return models.Resource{}, false
	}

	return models.Resource{
		InputURL:    cleaned,
		ResourceKey: normalize(u),
		Platform:    platform,
	}, true
}

// Normalize returns the canonical https form of raw: lowercase host without
// www, no port or credentials, no trailing slash and tracking parameters
// removed with the remaining query sorted.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(cleanCandidate(raw))
	if err != nil {
		return "", err
	}
	return normalize(u), nil
}

// Extract finds every supported link in free text, deduplicated by
// resource key in order of appearance.
func Extract(text string) []models.Resource {
	var out []models.Resource
	seen := make(map[string]struct{})
	for _, match := range urlRE.FindAllString(text, -1) {
		res, ok := Classify(match)
		if !ok {
			continue
		}
		if _, dup := seen[res.ResourceKey]; dup {
			continue
		}
		seen[res.ResourceKey] = struct{}{}
		out = append(out, res)
	}
	return out
}

func cleanCandidate(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), `).,;!?"'`)
}

func normalizeHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func platformOf(host, path string) string {
	switch {
	case strings.HasSuffix(host, "tiktok.com"):
		return PlatformTikTok
	case strings.HasSuffix(host, "instagram.com") && containsAny(strings.ToLower(path), igPathParts):
		return PlatformInstagram
	case slices.Contains(xHosts, host) && xStatusRE.MatchString(path):
		return PlatformX
	}
	return ""
}

func containsAny(s string, parts []string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func normalize(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	out := "https://" + normalizeHost(u) + path
	if q := stripTracking(u.RawQuery); q != "" {
		out += "?" + q
	}
	return out
}

// stripTracking drops utm_* and known tracking keys and sorts what remains
// by key then value.
func stripTracking(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil && len(values) == 0 {
		return ""
	}

	type pair struct{ k, v string }
	var kept []pair
	for k, vs := range values {
		lower := strings.ToLower(k)
		if strings.HasPrefix(lower, "utm_") || slices.Contains(trackingKeys, lower) {
			continue
		}
		for _, v := range vs {
			kept = append(kept, pair{k, v})
		}
	}
	slices.SortFunc(kept, func(a, b pair) int {
		if c := strings.Compare(a.k, b.k); c != 0 {
			return c
		}
		return strings.Compare(a.v, b.v)
	})

	parts := make([]string, 0, len(kept))
	for _, p := range kept {
		parts = append(parts, url.QueryEscape(p.k)+"="+url.QueryEscape(p.v))
	}
	return strings.Join(parts, "&")
}
