package classify

import (
	"bytes"
	"mime"
	"strings"
)

type signature struct {
	kind  string
	magic []byte
}

var signatures = []signature{
	{kind: "zip", magic: []byte{0x50, 0x4B, 0x03, 0x04}},
	{kind: "pdf", magic: []byte{0x25, 0x50, 0x44, 0x46}},
	{kind: "exe", magic: []byte{0x4D, 0x5A}},
	{kind: "jpg", magic: []byte{0xFF, 0xD8, 0xFF}},
	{kind: "png", magic: []byte{0x89, 0x50, 0x4E, 0x47}},
	{kind: "gif", magic: []byte{0x47, 0x49, 0x46}},
	{kind: "mp4", magic: []byte{0x00, 0x00, 0x00, 0x20, 0x66, 0x74, 0x79, 0x70}},
	{kind: "mp3", magic: []byte{0x49, 0x44, 0x33}},
	{kind: "rar", magic: []byte{0x52, 0x61, 0x72, 0x21}},
	{kind: "7z", magic: []byte{0x37, 0x7A, 0xBC, 0xAF}},
	{kind: "tar", magic: []byte{0x75, 0x73, 0x74, 0x61, 0x72}},
	{kind: "gz", magic: []byte{0x1F, 0x8B}},
	{kind: "dmg", magic: []byte{0x78, 0x01}},
	{kind: "iso", magic: []byte{0x43, 0x44, 0x30, 0x30, 0x31}},
}

var textMarkers = [][]byte{
	[]byte("<html"),
	[]byte("<!doctype"),
	[]byte("<script"),
	[]byte("<?xml"),
	[]byte("<xml"),
}

// matchSignature returns the kind of the first signature the sample starts with.
func matchSignature(sample []byte) (string, bool) {
	for _, sig := range signatures {
		if bytes.HasPrefix(sample, sig.magic) {
			return sig.kind, true
		}
	}
	return "", false
}

func looksLikeText(sample []byte) bool {
	lower := bytes.ToLower(sample)
	for _, marker := range textMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var mimeExtensions = map[string]string{
	"application/zip":                         "zip",
	"application/x-zip-compressed":            "zip",
	"application/pdf":                         "pdf",
	"application/x-rar-compressed":            "rar",
	"application/x-7z-compressed":             "7z",
	"application/x-tar":                       "tar",
	"application/x-gzip":                      "gz",
	"application/gzip":                        "gz",
	"video/mp4":                               "mp4",
	"video/avi":                               "avi",
	"video/mkv":                               "mkv",
	"video/x-matroska":                        "mkv",
	"video/mov":                               "mov",
	"video/quicktime":                         "mov",
	"audio/mp3":                               "mp3",
	"audio/mpeg":                              "mp3",
	"audio/wav":                               "wav",
	"audio/flac":                              "flac",
	"image/jpeg":                              "jpg",
	"image/png":                               "png",
	"image/gif":                               "gif",
	"application/vnd.android.package-archive": "apk",
	"application/x-apple-diskimage":           "dmg",
	"application/x-msdownload":                "exe",
}

// mediaType strips parameters from a Content-Type value.
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mt
}

// ExtensionForMIME maps a media type to a file extension, "bin" when unknown.
func ExtensionForMIME(contentType string) string {
	if ext, ok := mimeExtensions[mediaType(contentType)]; ok {
		return ext
	}
	return "bin"
}
