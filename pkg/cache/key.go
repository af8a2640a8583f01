package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// targetEscaper keeps ':' (the part separator) out of the endpoint part.
var targetEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// indexedParam matches CATMAID's single-level list encoding, e.g.
// "skeleton_ids[3]". Nested names such as "rows[0][1]" are positional and
// do not match.
var indexedParam = regexp.MustCompile(`^([^\[\]]+)\[\d+\]$`)

// CacheKey describes a request to a CATMAID server. Two keys that would
// produce the same server response canonicalize to the same string.
type CacheKey struct {
	// Method is the HTTP method (defaults to GET)
	Method string

	// Server is the base URL of the CATMAID instance
	Server string

	// Endpoint is the API path (e.g., "/1/skeletons/compact-detail")
	Endpoint string

	// QueryParams are the URL query parameters
	QueryParams url.Values

	// FormParams are the form-encoded body parameters (POST)
	FormParams url.Values

	// Payload is an optional JSON request body
	Payload any

	// UnorderedPayloadFields names payload object fields whose array values
	// are sets, such as "skeleton_ids". All other arrays are positional.
	UnorderedPayloadFields []string
}

// Canonical generates a deterministic cache key string.
// Format: catmaid:METHOD:server/endpoint[:q:name=v1,v2][:f:name=v1][:p:payload]
//
// Example:
//
//	catmaid:POST:catmaid.example.org/1/skeletons/compact-detail:f:skeleton_ids%5B%5D=16,42
//
// Parameter names are sorted so that parameter order does not matter.
// Indexed list parameters ("name[i]") are folded into one sorted ID set;
// repeated plain parameters and payload arrays keep their order unless the
// field is listed in UnorderedPayloadFields. An error is returned when the
// payload cannot be encoded; such requests must not be cached.
func (k CacheKey) Canonical() (string, error) {
	method := strings.ToUpper(strings.TrimSpace(k.Method))
	if method == "" {
		method = "GET"
	}

	target := strings.Trim(k.Endpoint, "/")
	if server := normalizeServer(k.Server); server != "" {
		target = server + "/" + target
	}

	parts := []string{"catmaid", method, targetEscaper.Replace(target)}

	if q := canonicalValues(k.QueryParams); q != "" {
		parts = append(parts, "q", q)
	}
	if f := canonicalValues(k.FormParams); f != "" {
		parts = append(parts, "f", f)
	}

	if k.Payload != nil {
		p, err := canonicalPayload(k.Payload, k.UnorderedPayloadFields)
		if err != nil {
			return "", fmt.Errorf("canonicalize payload: %w", err)
		}
		parts = append(parts, "p", escape(p))
	}

	return strings.Join(parts, ":"), nil
}

// String returns the canonical key, or a marker for uncacheable requests.
func (k CacheKey) String() string {
	s, err := k.Canonical()
	if err != nil {
		return "catmaid:<uncacheable>"
	}
	return s
}

func normalizeServer(server string) string {
	server = strings.TrimSpace(server)
	if u, err := url.Parse(server); err == nil && u.Host != "" {
		return strings.ToLower(u.Host) + strings.TrimRight(u.Path, "/")
	}
	return strings.Trim(server, "/")
}

// canonicalValues folds indexed list params into sorted sets and sorts
// names. Values of other params keep their order; names without values are
// not sent by url.Values.Encode and are skipped.
func canonicalValues(values url.Values) string {
	folded := make(map[string][]string, len(values))
	sets := make(map[string]bool)
	for name, vals := range values {
		if len(vals) == 0 {
			continue
		}
		if m := indexedParam.FindStringSubmatch(name); m != nil {
			name = m[1] + "[]"
			sets[name] = true
		}
		folded[name] = append(folded[name], vals...)
	}
	if len(folded) == 0 {
		return ""
	}

	names := make([]string, 0, len(folded))
	for name := range folded {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		vals := make([]string, len(folded[name]))
		for i, v := range folded[name] {
			vals[i] = escape(v)
		}
		if sets[name] {
			sort.Strings(vals)
		}
		out = append(out, escape(name)+"="+strings.Join(vals, ","))
	}
	return strings.Join(out, "&")
}

// canonicalPayload renders any JSON-encodable value with sorted object keys.
// Arrays keep their order except directly under an unordered field.
func canonicalPayload(payload any, unordered []string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	sets := make(map[string]bool, len(unordered))
	for _, name := range unordered {
		sets[name] = true
	}
	return canonicalJSON(v, sets, false), nil
}

func canonicalJSON(v any, sets map[string]bool, unordered bool) string {
	switch t := v.(type) {
	case map[string]any:
		names := make([]string, 0, len(t))
		for name := range t {
			names = append(names, name)
		}
		sort.Strings(names)
		fields := make([]string, len(names))
		for i, name := range names {
			fields[i] = quote(name) + ":" + canonicalJSON(t[name], sets, sets[name])
		}
		return "{" + strings.Join(fields, ",") + "}"
	case []any:
		items := make([]string, len(t))
		for i, item := range t {
			items[i] = canonicalJSON(item, sets, false)
		}
		if unordered {
			sort.Strings(items)
		}
		return "[" + strings.Join(items, ",") + "]"
	case string:
		return quote(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return "null"
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func escape(s string) string {
	return url.QueryEscape(s)
}
