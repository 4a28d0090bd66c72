// Package diag renders inode-table audit results as CSV for blockfsctl fsck
// --csv.
package diag

import (
	"io"

	"github.com/gocarina/gocsv"
)

// InodeAuditRow is one line of a blockfsctl fsck --csv report.
type InodeAuditRow struct {
	Index        uint32 `csv:"index"`
	Type         string `csv:"type"`
	Link         int32  `csv:"link"`
	Ref          int    `csv:"ref"`
	Size         int32  `csv:"size"`
	IndirectPage uint32 `csv:"indirect_page"`
	Orphaned     bool   `csv:"orphaned"`
}

// WriteInodeAudit marshals rows to w as CSV with a header row.
func WriteInodeAudit(w io.Writer, rows []InodeAuditRow) error {
	return gocsv.Marshal(rows, w)
}
