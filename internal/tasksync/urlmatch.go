package tasksync

import (
	"net/url"
	"sort"
	"strings"
)

// Equivalent reports whether two links point at the same resource: scheme,
// host, path and the multiset of query parameters must match. Parameter
// order is ignored; parameters with empty values are dropped.
func Equivalent(a, b string) bool { return urlKey(a) == urlKey(b) }

// urlKey returns a canonical form of link suitable for map lookups.
// Links that do not parse fall back to their trimmed text.
func urlKey(link string) string {
	raw := strings.TrimSpace(link)
	u, err := url.Parse(raw)
	if err != nil {
		return "raw:" + raw
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "raw:" + raw
	}

	pairs := make([]string, 0, len(q))
	for k, vs := range q {
		for _, v := range vs {
			if v == "" {
				continue
			}
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	sort.Strings(pairs)

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	b.WriteString(u.EscapedPath())
	b.WriteByte('?')
	b.WriteString(strings.Join(pairs, "&"))
	return b.String()
}
