package engine

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const maxUploadBytes = 500 << 20

// content types that are never acceptable as media uploads
var dangerousContentTypes = map[string]bool{
	"application/x-msdownload":                      true,
	"application/x-msdos-program":                   true,
	"application/x-executable":                      true,
	"application/x-sh":                              true,
	"application/x-shellscript":                     true,
	"application/vnd.microsoft.portable-executable": true,
	"text/x-php":                                    true,
	"application/x-php":                             true,
}

var dangerousExtensions = map[string]bool{
	".exe": true, ".scr": true, ".bat": true, ".cmd": true, ".com": true,
	".pif": true, ".msi": true, ".dll": true, ".sh": true, ".php": true,
	".jar": true, ".vbs": true, ".ps1": true,
}

// executable magic prefixes that disqualify anything claiming to be media
var executableMagic = [][]byte{
	{'M', 'Z'},               // PE
	{0x7f, 'E', 'L', 'F'},    // ELF
	{'#', '!'},               // script shebang
	{0xca, 0xfe, 0xba, 0xbe}, // Mach-O fat / Java class
	{'%', 'P', 'D', 'F'},     // PDF posing as an image
}

// readHead reads the sniffing prefix of a stored file. A missing or
// unreadable file is not an admission failure; validation then skips the
// magic checks.
func readHead(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil
	}
	return buf[:n]
}

// ValidateUpload runs the cheap structural checks before any expensive one.
// Head is an optional prefix of the file contents for magic byte sniffing.
func ValidateUpload(kind, contentType, filename string, size int64, head []byte) *ValidationError {
	switch kind {
	case "image", "video", "text":
	default:
		return &ValidationError{Reason: "unsupported media kind: " + kind}
	}

	if size <= 0 {
		return &ValidationError{Reason: "empty upload"}
	}
	if size > maxUploadBytes {
		return &ValidationError{Reason: "upload exceeds maximum file size"}
	}

	if strings.ContainsAny(filename, "\x00") || strings.Contains(filename, "..") {
		return &ValidationError{Reason: "malformed filename"}
	}
	for _, r := range filename {
		if r < 32 {
			return &ValidationError{Reason: "malformed filename"}
		}
	}

	if dangerousContentTypes[strings.ToLower(contentType)] {
		return &ValidationError{Reason: "dangerous content type: " + contentType}
	}
	if ext := strings.ToLower(filepath.Ext(filename)); dangerousExtensions[ext] {
		return &ValidationError{Reason: "dangerous file extension: " + ext}
	}

	if (kind == "image" || kind == "video") && len(head) > 0 {
		for _, magic := range executableMagic {
			if bytes.HasPrefix(head, magic) {
				return &ValidationError{Reason: "file contents do not match declared media type"}
			}
		}
	}
	return nil
}
