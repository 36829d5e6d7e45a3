package sampler

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/nshruti113/dos-protect/internal/models"
)

// Signature returns the structural fingerprint of a request:
// method, path shape, user-agent family and a hash of the header-name set.
//
//	GET /api/items/{n} ua=curl hdr=5c1f0a7e
func Signature(req models.TrafficRequest) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte(' ')
	b.WriteString(PathShape(req.RequestPath))
	b.WriteString(" ua=")
	b.WriteString(UserAgentFamily(req.UserAgent))
	b.WriteString(" hdr=")
	b.WriteString(headerSetHash(req.Headers))
	return b.String()
}

// PathShape strips the query and collapses variable path segments.
func PathShape(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch {
		case seg == "":
		case isDigits(seg):
			segments[i] = "{n}"
		case isUUID(seg):
			segments[i] = "{uuid}"
		case len(seg) >= 8 && isHex(seg):
			segments[i] = "{hex}"
		}
	}
	return strings.Join(segments, "/")
}

var uaFamilies = []struct {
	needle string
	family string
}{
	{"curl", "curl"},
	{"wget", "wget"},
	{"python", "python"},
	{"go-http-client", "go"},
	{"java", "java"},
	{"okhttp", "okhttp"},
	{"grpc", "grpc"},
	{"bot", "bot"},
	{"spider", "bot"},
	{"crawler", "bot"},
	{"mozilla", "browser"},
}

// UserAgentFamily reduces a User-Agent header to a coarse client family.
func UserAgentFamily(ua string) string {
	if ua == "" {
		return "none"
	}
	lower := strings.ToLower(ua)
	for _, f := range uaFamilies {
		if strings.Contains(lower, f.needle) {
			return f.family
		}
	}
	return "other"
}

func headerSetHash(headers []string) string {
	names := make([]string, 0, len(headers))
	seen := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		names = append(names, h)
	}
	sort.Strings(names)
	sum := xxhash.Sum64String(strings.Join(names, "\n"))
	return strconv.FormatUint(sum&0xffffffff, 16)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	hasDigit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return hasDigit
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
