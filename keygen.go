package kelana

import (
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"sort"
	"strings"
)

// KeyGenerator produces the fingerprint identifying the cache / deduplication
// identity of a request.
type KeyGenerator interface {
	Key(req *http.Request) (string, error)
}

// opaqueBodyMarker stands in for bodies that cannot be replayed (no GetBody,
// e.g. a live stream). Such requests all share the marker instead of erroring.
const opaqueBodyMarker = "body:opaque"

// DefaultKeyGenerator fingerprints requests from a configurable inclusion set.
// The fingerprint is a pure function of the included fields: query parameters
// are serialized sorted by key then value, and included headers sorted by
// canonical name, so insertion order never changes the result.
//
// Narrowing the inclusion set (e.g. IncludeBody=false for performance) makes
// collisions across descriptors that differ only in excluded fields an
// accepted trade-off, not a bug.
type DefaultKeyGenerator struct {
	PartitionKey   string
	IncludeMethod  bool
	IncludeURL     bool
	IncludeParams  bool
	IncludeBody    bool
	IncludeHeaders []string
}

// NewKeyGenerator returns a generator covering method, URL and query params.
func NewKeyGenerator(partitionKey string) *DefaultKeyGenerator {
	return &DefaultKeyGenerator{
		PartitionKey:  partitionKey,
		IncludeMethod: true,
		IncludeURL:    true,
		IncludeParams: true,
		IncludeBody:   false,
	}
}

// Key implements KeyGenerator.
func (g *DefaultKeyGenerator) Key(req *http.Request) (string, error) {
	h := fnv.New64a()

	if g.IncludeMethod {
		h.Write([]byte(req.Method))
		h.Write([]byte{0})
	}

	if g.IncludeURL && req.URL != nil {
		u := *req.URL
		u.RawQuery = ""
		u.Fragment = ""
		h.Write([]byte(u.String()))
		h.Write([]byte{0})
	}

	if g.IncludeParams && req.URL != nil {
		h.Write([]byte(canonicalQuery(req.URL.Query())))
		h.Write([]byte{0})
	}

	if len(g.IncludeHeaders) > 0 {
		names := make([]string, 0, len(g.IncludeHeaders))
		for _, name := range g.IncludeHeaders {
			names = append(names, http.CanonicalHeaderKey(name))
		}
		sort.Strings(names)
		for _, name := range names {
			h.Write([]byte(name))
			h.Write([]byte{'='})
			h.Write([]byte(strings.Join(req.Header.Values(name), ",")))
			h.Write([]byte{0})
		}
	}

	if g.IncludeBody && req.Body != nil {
		digest, err := bodyDigest(req)
		if err != nil {
			return "", err
		}
		h.Write(digest)
		h.Write([]byte{0})
	}

	if g.PartitionKey != "" {
		return fmt.Sprintf("%s_%x", g.PartitionKey, h.Sum64()), nil
	}
	return fmt.Sprintf("%x", h.Sum64()), nil
}

// canonicalQuery renders query parameters sorted by key, and by value within
// a key, so two semantically identical URLs always serialize identically.
func canonicalQuery(values map[string][]string) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// bodyDigest hashes a replayable body through GetBody. Non-replayable bodies
// reduce to the opaque marker rather than consuming the stream or erroring.
func bodyDigest(req *http.Request) ([]byte, error) {
	if req.GetBody == nil {
		return []byte(opaqueBodyMarker), nil
	}
	body, err := req.GetBody()
	if err != nil {
		return []byte(opaqueBodyMarker), nil
	}
	defer body.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, body); err != nil {
		return nil, err
	}
	return digest.Sum(nil), nil
}
