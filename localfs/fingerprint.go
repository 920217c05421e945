package localfs

import (
	"fmt"
	"hash/crc64"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// Type classes understood by MatchesTypes.
const (
	ClassImage    = "image"
	ClassVideo    = "video"
	ClassAudio    = "audio"
	ClassDocument = "document"
	ClassArchive  = "archive"
	ClassOther    = "other"
)

// Fingerprint returns a stable identifier for a file version.
func Fingerprint(path string, size int64, modTime time.Time) string {
	h := crc64.New(crcTable)
	fmt.Fprintf(h, "%s|%d|%d", filepath.ToSlash(path), size, modTime.UnixNano())
	return fmt.Sprintf("%016x", h.Sum64())
}

// DetectType returns the MIME type of data without parameters.
func DetectType(data []byte) string {
	return baseMIME(mimetype.Detect(data).String())
}

// Classify maps a MIME type to a type class.
func Classify(mimeType string) string {
	mt := baseMIME(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return ClassImage
	case strings.HasPrefix(mt, "video/"):
		return ClassVideo
	case strings.HasPrefix(mt, "audio/"):
		return ClassAudio
	case strings.HasPrefix(mt, "text/"),
		mt == "application/pdf",
		mt == "application/rtf",
		mt == "application/json",
		mt == "application/msword",
		mt == "application/epub+zip",
		strings.HasPrefix(mt, "application/vnd.openxmlformats-officedocument"),
		strings.HasPrefix(mt, "application/vnd.oasis.opendocument"),
		strings.HasPrefix(mt, "application/vnd.ms-"):
		return ClassDocument
	case mt == "application/zip",
		mt == "application/gzip",
		mt == "application/x-tar",
		mt == "application/x-7z-compressed",
		mt == "application/x-rar-compressed",
		mt == "application/x-bzip2",
		mt == "application/x-xz":
		return ClassArchive
	default:
		return ClassOther
	}
}

// MatchesTypes reports whether a file with the given name and MIME type
// passes the filter. An empty filter matches everything.
func MatchesTypes(name, mimeType string, types []string) bool {
	if len(types) == 0 {
		return true
	}

	mt := baseMIME(mimeType)
	class := Classify(mt)
	ext := strings.ToLower(filepath.Ext(name))

	for _, raw := range types {
		want := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case want == "":
			continue
		case want == "*" || want == "*/*":
			return true
		case strings.HasSuffix(want, "/*"):
			if strings.HasPrefix(mt, strings.TrimSuffix(want, "*")) {
				return true
			}
		case strings.Contains(want, "/"):
			if mt == want {
				return true
			}
		case strings.HasPrefix(want, "."):
			if ext == want {
				return true
			}
		case want == class:
			return true
		default:
			if ext == "."+want {
				return true
			}
		}
	}
	return false
}

func baseMIME(s string) string {
	if s == "" {
		return "application/octet-stream"
	}
	if mt, _, err := mime.ParseMediaType(s); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(strings.SplitN(s, ";", 2)[0]))
}
