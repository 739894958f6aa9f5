// Package pdfutil inspects converted preview files with ledongthuc/pdf.
package pdfutil

import (
	"bytes"
	"errors"
	"fmt"

	pdf "github.com/ledongthuc/pdf"
)

// ErrEmpty is returned for a PDF without pages.
var ErrEmpty = errors.New("pdf has no pages")

// PageCount parses PDF bytes and returns the number of pages.
func PageCount(data []byte) (n int, err error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return 0, errors.New("missing pdf header")
	}
	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("new pdf reader: %w", err)
	}
	return doc.NumPage(), nil
}

// Validate rejects bytes that are not a PDF with at least one page.
func Validate(data []byte) error {
	n, err := PageCount(data)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEmpty
	}
	return nil
}
