package kelana

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheDirectives represents parsed Cache-Control directives.
type CacheDirectives struct {
	NoStore bool
	NoCache bool
	MaxAge  *time.Duration
	SMaxAge *time.Duration
	Public  bool
	Private bool
}

// parseCacheControl parses a Cache-Control header into structured directives.
func parseCacheControl(header string) *CacheDirectives {
	directives := &CacheDirectives{}
	if header == "" {
		return directives
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "=") {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.TrimSpace(kv[0])
			value := strings.Trim(strings.TrimSpace(kv[1]), "\"")

			switch key {
			case "max-age":
				if seconds, err := strconv.Atoi(value); err == nil {
					maxAge := time.Duration(seconds) * time.Second
					directives.MaxAge = &maxAge
				}
			case "s-maxage":
				if seconds, err := strconv.Atoi(value); err == nil {
					sMaxAge := time.Duration(seconds) * time.Second
					directives.SMaxAge = &sMaxAge
				}
			}
		} else {
			switch part {
			case "no-store":
				directives.NoStore = true
			case "no-cache":
				directives.NoCache = true
			case "public":
				directives.Public = true
			case "private":
				directives.Private = true
			}
		}
	}

	return directives
}

// parseExpires parses the Expires header into a time.Time.
func parseExpires(header string) *time.Time {
	if header == "" {
		return nil
	}

	for _, layout := range []string{time.RFC1123, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, header); err == nil {
			return &t
		}
	}

	return nil
}

// responseTTL derives a TTL from response headers: max-age wins over Expires.
// The second return is false when the headers say nothing about freshness, or
// explicitly forbid storing.
func responseTTL(resp *http.Response, receivedAt time.Time) (time.Duration, bool) {
	directives := parseCacheControl(resp.Header.Get("Cache-Control"))
	if directives.NoStore || directives.NoCache {
		return 0, false
	}

	if directives.MaxAge != nil {
		return *directives.MaxAge, true
	}

	if expires := parseExpires(resp.Header.Get("Expires")); expires != nil {
		// An already-expired Expires is an explicit zero TTL, not absence.
		if ttl := expires.Sub(receivedAt); ttl > 0 {
			return ttl, true
		}
		return 0, true
	}

	return 0, false
}

// responseForbidsStore reports whether the response headers suppress caching
// even when the request is otherwise eligible.
func responseForbidsStore(resp *http.Response) bool {
	directives := parseCacheControl(resp.Header.Get("Cache-Control"))
	return directives.NoStore || directives.NoCache
}
