package store

import (
	"strconv"
	"strings"
)

// Result codes a tagger may record for an item.
const (
	MinResult = 1
	MaxResult = 4
)

// ValidResult reports whether code is one of the allowed result codes.
func ValidResult(code int) bool {
	return code >= MinResult && code <= MaxResult
}

// Record is one unit of work: a narrative/video pairing identified by its
// link. The link is unique across all worksheets and is the only lookup key.
// Tagger is empty while the item is unclaimed; TaggerResult is nil until a
// result has been recorded (nil and zero are distinct states).
type Record struct {
	Sheet        string   `json:"sheet"`
	Narrative    string   `json:"narrative"`
	Story        string   `json:"story"`
	Platform     string   `json:"platform"`
	Title        string   `json:"title"`
	HebrewTitle  string   `json:"hebrew_title"`
	Link         string   `json:"link"`
	Tagger       string   `json:"tagger"`
	TaggerResult *int     `json:"tagger_result"`
	Length       *float64 `json:"length"`
}

// Claimed reports whether a tagger already owns this record.
func (r Record) Claimed() bool {
	return r.Tagger != ""
}

// Clone returns a copy that shares no pointers with the receiver.
func (r Record) Clone() Record {
	out := r
	if r.TaggerResult != nil {
		v := *r.TaggerResult
		out.TaggerResult = &v
	}
	if r.Length != nil {
		v := *r.Length
		out.Length = &v
	}
	return out
}

// Worksheet column names. Column order in the sheet is not semantically
// meaningful; reads resolve positions from the header row. The Sheet field
// is synthesized from the worksheet name and never written as a column.
const (
	colNarrative   = "Narrative"
	colStory       = "Story"
	colPlatform    = "Platform"
	colTitle       = "Title"
	colHebrewTitle = "Hebrew_Title"
	colLink        = "Link"
	colTagger      = "Tagger_1"
	colResult      = "Tagger_1_Result"
	colLength      = "Length"
)

// Header is the canonical column order used when writing a worksheet.
func Header() []string {
	return []string{
		colNarrative, colStory, colPlatform, colTitle, colHebrewTitle,
		colLink, colTagger, colResult, colLength,
	}
}

// decodeRows turns raw worksheet rows into records. The first row names the
// columns; unknown columns are ignored and rows without a link are skipped.
func decodeRows(sheet string, rows [][]string) []Record {
	if len(rows) < 2 {
		return nil
	}
	pos := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		name = strings.TrimSpace(name)
		if name != "" {
			pos[name] = i
		}
	}
	cell := func(row []string, col string) string {
		i, ok := pos[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := Record{
			Sheet:       sheet,
			Narrative:   cell(row, colNarrative),
			Story:       cell(row, colStory),
			Platform:    cell(row, colPlatform),
			Title:       cell(row, colTitle),
			HebrewTitle: cell(row, colHebrewTitle),
			Link:        cell(row, colLink),
			Tagger:      cell(row, colTagger),
		}
		if rec.Link == "" {
			continue
		}
		if raw := cell(row, colResult); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				rec.TaggerResult = &v
			}
		}
		if raw := cell(row, colLength); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				rec.Length = &v
			}
		}
		records = append(records, rec)
	}
	return records
}

// encodeRows renders records for a full-sheet write, header row first.
func encodeRows(records []Record) [][]string {
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, Header())
	for _, rec := range records {
		rows = append(rows, encodeRecord(rec))
	}
	return rows
}

func encodeRecord(rec Record) []string {
	result := ""
	if rec.TaggerResult != nil {
		result = strconv.Itoa(*rec.TaggerResult)
	}
	length := ""
	if rec.Length != nil {
		length = strconv.FormatFloat(*rec.Length, 'f', -1, 64)
	}
	return []string{
		rec.Narrative, rec.Story, rec.Platform, rec.Title, rec.HebrewTitle,
		rec.Link, rec.Tagger, result, length,
	}
}
