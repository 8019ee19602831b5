package worker

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const sniffLen = 3072

// peek reads the first bytes of r for detection and returns a reader over the whole stream.
func peek(r io.Reader) (io.Reader, *mimetype.MIME, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, nil, fmt.Errorf("read magic bytes: %w", err)
	}
	head = head[:n]
	return io.MultiReader(bytes.NewReader(head), r), mimetype.Detect(head), nil
}

// sniffContentType keeps the declared type unless it is missing or generic, in which
// case the body is inspected.
func sniffContentType(r io.Reader, declared string) (io.Reader, string, error) {
	declared = normalizeContentType(declared)
	if declared != "" && declared != "application/octet-stream" {
		return r, declared, nil
	}
	body, mtype, err := peek(r)
	if err != nil {
		return nil, "", err
	}
	return body, normalizeContentType(mtype.String()), nil
}

// validateContentType checks the stored bytes match the declared content type.
func validateContentType(r io.Reader, declared string) (io.Reader, error) {
	body, mtype, err := peek(r)
	if err != nil {
		return nil, err
	}
	if !isContentTypeMatch(mtype, normalizeContentType(declared)) {
		return nil, fmt.Errorf("content type mismatch: declared=%s, detected=%s", declared, mtype.String())
	}
	return body, nil
}

func isContentTypeMatch(actual *mimetype.MIME, declared string) bool {
	if actual.Is(declared) {
		return true
	}
	// image/jpg and friends: same top-level type is close enough.
	actualPrefix, _, _ := strings.Cut(normalizeContentType(actual.String()), "/")
	declaredPrefix, _, _ := strings.Cut(declared, "/")
	return actualPrefix == declaredPrefix
}

func normalizeContentType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}
