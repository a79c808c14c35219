// Package csvstream reads bulk-validation CSV input and writes the
// annotated output. Input follows RFC 4180 (quoted fields may contain
// commas and newlines); unknown columns pass through untouched.
package csvstream

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/optimode/mailprobe/types"
)

// ErrNoEmailColumn means the header has no recognizable email column.
var ErrNoEmailColumn = errors.New("csvstream: no email column in header")

// emailColumns are the header names (case-insensitive) accepted as the
// email column.
var emailColumns = []string{"email", "address", "mail"}

// appendedHeader are the columns the writer appends, in order.
var appendedHeader = []string{
	"validation_result",
	"validation_reason",
	"mx_check",
	"dns_check",
	"spf_check",
	"mailbox_check",
	"smtp_check",
	"catch_all",
}

// Reader iterates the rows of an uploaded CSV, extracting the email value
// from each.
type Reader struct {
	r        *csv.Reader
	header   []string
	emailIdx int
}

// NewReader consumes the header line and locates the email column.
func NewReader(r io.Reader) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // ragged rows tolerated

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := -1
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		for _, want := range emailColumns {
			if name == want {
				idx = i
				break
			}
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 {
		return nil, ErrNoEmailColumn
	}

	return &Reader{r: cr, header: header, emailIdx: idx}, nil
}

// Header returns the original header row.
func (r *Reader) Header() []string { return r.header }

// Read returns the next row and its email value. io.EOF ends the stream.
// Rows too short to hold the email column come back with an empty email;
// the pipeline turns those into format failures rather than dropping rows.
func (r *Reader) Read() (row []string, email string, err error) {
	row, err = r.r.Read()
	if err != nil {
		return nil, "", err
	}
	if r.emailIdx < len(row) {
		email = strings.TrimSpace(row[r.emailIdx])
	}
	return row, email, nil
}

// ReadAll drains the reader, returning all rows and their emails.
func (r *Reader) ReadAll() (rows [][]string, emails []string, err error) {
	for {
		row, email, err := r.Read()
		if err == io.EOF {
			return rows, emails, nil
		}
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
		emails = append(emails, email)
	}
}

// Writer emits the annotated CSV: the original columns unchanged, then the
// appended validation columns.
type Writer struct {
	w *csv.Writer
}

// NewWriter writes the extended header immediately.
func NewWriter(w io.Writer, header []string) (*Writer, error) {
	cw := csv.NewWriter(w)
	extended := append(append([]string(nil), header...), appendedHeader...)
	if err := cw.Write(extended); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &Writer{w: cw}, nil
}

// Write appends the validation columns to the row and writes it.
func (w *Writer) Write(row []string, res types.ValidationResult) error {
	out := append(append([]string(nil), row...), resultColumns(res)...)
	return w.w.Write(out)
}

// Flush flushes the underlying csv writer and reports any write error.
func (w *Writer) Flush() error {
	w.w.Flush()
	return w.w.Error()
}

// resultColumns renders one result as the appended column values. Commas in
// the reason are replaced with ';' so downstream comma-naive consumers
// survive.
func resultColumns(res types.ValidationResult) []string {
	verdict := "Invalid"
	if res.Valid {
		verdict = "Valid"
	}
	return []string{
		verdict,
		strings.ReplaceAll(res.Reason, ",", ";"),
		strconv.FormatBool(res.Checks.MX),
		strconv.FormatBool(res.Checks.DNS),
		strconv.FormatBool(res.Checks.SPF),
		strconv.FormatBool(res.Checks.Mailbox),
		strconv.FormatBool(res.Checks.SMTP),
		strconv.FormatBool(res.Checks.CatchAll),
	}
}
