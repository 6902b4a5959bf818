// Package export renders record snapshots for download.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"tagdesk/internal/store"
)

// WriteCSV writes records as CSV, header row first. The worksheet name is
// included as the leading column since the snapshot spans all worksheets.
func WriteCSV(w io.Writer, records []store.Record) error {
	cw := csv.NewWriter(w)

	header := append([]string{"Sheet"}, store.Header()...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, rec := range records {
		result := ""
		if rec.TaggerResult != nil {
			result = strconv.Itoa(*rec.TaggerResult)
		}
		length := ""
		if rec.Length != nil {
			length = strconv.FormatFloat(*rec.Length, 'f', -1, 64)
		}
		row := []string{
			rec.Sheet, rec.Narrative, rec.Story, rec.Platform, rec.Title,
			rec.HebrewTitle, rec.Link, rec.Tagger, result, length,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
