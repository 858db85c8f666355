package propagation

import (
	"net/url"
	"strings"

	"github.com/zoobzio/apmz/baggage"
)

// W3C baggage limits.
const (
	maxBaggageMembers = 180
	maxBaggageBytes   = 8192
)

const upperHex = "0123456789ABCDEF"

// ParseBaggage decodes one or more baggage header values into a snapshot.
// Members are processed in order across all values and the last occurrence
// of a key wins. Members without '=', with an empty or non-token key, or
// with broken percent-encoding are skipped. An empty result is baggage.Empty.
func ParseBaggage(values ...string) *baggage.Baggage {
	builder := baggage.New()
	members, size := 0, 0

	for _, value := range values {
		for _, member := range strings.Split(value, ",") {
			member = strings.TrimSpace(member)
			if member == "" {
				continue
			}
			if members >= maxBaggageMembers || size+len(member) > maxBaggageBytes {
				return builder.Build()
			}

			key, val, metadata, ok := parseMember(member)
			if !ok {
				continue
			}
			builder.PutWithMetadata(key, val, metadata)
			members++
			size += len(member)
		}
	}
	return builder.Build()
}

func parseMember(member string) (key, value, metadata string, ok bool) {
	kv := member
	if semi := strings.IndexByte(member, ';'); semi >= 0 {
		kv = member[:semi]
		metadata = strings.TrimSpace(member[semi+1:])
	}
	eq := strings.IndexByte(kv, '=')
	if eq < 0 {
		return "", "", "", false
	}
	key = strings.TrimSpace(kv[:eq])
	if !ValidKey(key) {
		return "", "", "", false
	}
	value, err := url.PathUnescape(strings.TrimSpace(kv[eq+1:]))
	if err != nil {
		return "", "", "", false
	}
	return key, value, metadata, true
}

// FormatBaggage renders b as a baggage header value. Entries whose key is
// not a valid token are left out. The result is empty when nothing can be
// propagated, in which case the header must be omitted.
func FormatBaggage(b *baggage.Baggage) string {
	if b.IsEmpty() {
		return ""
	}
	if cached, ok := b.CachedHeader(); ok {
		return cached
	}

	var sb strings.Builder
	b.Range(func(e baggage.Entry) bool {
		if !ValidKey(e.Key) {
			return true
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(e.Key)
		sb.WriteByte('=')
		escapeValue(&sb, e.Value)
		if e.Metadata != "" {
			sb.WriteByte(';')
			sb.WriteString(e.Metadata)
		}
		return true
	})

	header := sb.String()
	b.SetCachedHeader(header)
	return header
}

// ValidKey reports whether key is an RFC 7230 token.
func ValidKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		if !isTokenChar(key[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// isBaggageOctet reports whether c may appear unescaped in a value.
// '%' is excluded because it introduces an escape.
func isBaggageOctet(c byte) bool {
	switch {
	case c == 0x21:
		return true
	case c >= 0x23 && c <= 0x2B:
		return c != '%'
	case c >= 0x2D && c <= 0x3A:
		return true
	case c >= 0x3C && c <= 0x5B:
		return true
	case c >= 0x5D && c <= 0x7E:
		return true
	}
	return false
}

func escapeValue(sb *strings.Builder, value string) {
	for i := 0; i < len(value); i++ {
		c := value[i]
		if isBaggageOctet(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperHex[c>>4])
		sb.WriteByte(upperHex[c&0x0F])
	}
}
