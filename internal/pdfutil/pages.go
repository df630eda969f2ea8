// Package pdfutil holds small PDF helpers.
package pdfutil

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// CountPages returns the number of pages in a PDF given its raw bytes.
// Invalid or unreadable PDFs return an error the caller maps to a
// file-validation failure.
func CountPages(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty PDF")
	}
	n, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("invalid or unreadable PDF: %w", err)
	}
	return n, nil
}
