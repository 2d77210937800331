package classify

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	extendedFilename = regexp.MustCompile(`(?i)filename\*\s*=\s*([^;]+)`)
	quotedFilename   = regexp.MustCompile(`(?i)filename\s*=\s*"([^"]*)"`)
	plainFilename    = regexp.MustCompile(`(?i)filename\s*=\s*([^;"\s][^;]*)`)
)

// IsAttachment reports whether a Content-Disposition value asks for a download.
func IsAttachment(disposition string) bool {
	return strings.Contains(strings.ToLower(disposition), "attachment")
}

// FilenameFromDisposition extracts the file name from a Content-Disposition
// header. The RFC 5987 extended form wins over the plain parameter. It
// returns "" when no usable name is present.
func FilenameFromDisposition(disposition string) string {
	if m := extendedFilename.FindStringSubmatch(disposition); m != nil {
		value := strings.Trim(strings.TrimSpace(m[1]), `"`)
		if idx := strings.Index(value, "''"); idx >= 0 {
			value = value[idx+2:]
		}
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}
		if name := sanitize(value); name != "" {
			return name
		}
	}
	if m := quotedFilename.FindStringSubmatch(disposition); m != nil {
		if name := sanitize(m[1]); name != "" {
			return name
		}
	}
	if m := plainFilename.FindStringSubmatch(disposition); m != nil {
		value := strings.TrimSpace(strings.Trim(m[1], `'`))
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}
		return sanitize(value)
	}
	return ""
}

// sanitize strips any directory components a server may have sent.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// FilenameFromURL returns the last path segment of u, or "".
func FilenameFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		return ""
	}
	return sanitize(path[strings.LastIndex(path, "/")+1:])
}
