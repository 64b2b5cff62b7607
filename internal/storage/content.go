package storage

import (
	"bytes"
	"io"
	"mime"
	"path"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen matches the amount of data mimetype inspects by default.
const sniffLen = 3072

// resolveContentType returns contentType when set, otherwise the type implied by the
// path extension, otherwise the type sniffed from the first bytes of r. The returned
// reader yields the full original stream.
func resolveContentType(p string, r io.Reader, contentType string) (string, io.Reader, error) {
	if contentType != "" {
		return contentType, r, nil
	}
	if byExt := mime.TypeByExtension(path.Ext(p)); byExt != "" {
		return byExt, r, nil
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", nil, err
	}
	head = head[:n]
	return mimetype.Detect(head).String(), io.MultiReader(bytes.NewReader(head), r), nil
}
