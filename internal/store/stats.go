package store

import (
	"context"
	"sort"
)

// NarrativeStat is the per-(sheet, narrative) progress row of the tagging
// report. Missing is the configured target minus the observed positive
// results, floored at zero.
type NarrativeStat struct {
	Sheet     string `json:"sheet"`
	Narrative string `json:"narrative"`
	Total     int    `json:"total"`
	Untagged  int    `json:"untagged"`
	Result1   int    `json:"result_1"`
	Result2   int    `json:"result_2"`
	Result3   int    `json:"result_3"`
	Result4   int    `json:"result_4"`
	Missing   int    `json:"missing"`
}

// StatsSummary is the global roll-up over every narrative.
type StatsSummary struct {
	TotalTopics         int `json:"total_topics"`
	TotalNarratives     int `json:"total_narratives"`
	TotalDoneNarratives int `json:"total_done_narratives"`
	TotalFullNarratives int `json:"total_full_narratives"`
	Result1             int `json:"result_1"`
	Result2             int `json:"result_2"`
	Result3             int `json:"result_3"`
	Result4             int `json:"result_4"`
}

// TaggingStats folds the current snapshot into per-narrative rows and a
// global summary. It never reloads; callers wanting fresh numbers refresh
// the projection first. Two calls with no mutation in between yield
// identical output.
func (s *SheetStore) TaggingStats() (StatsSummary, []NarrativeStat) {
	type key struct{ sheet, narrative string }
	grouped := make(map[key]*NarrativeStat)
	sheets := make(map[string]struct{})

	for _, rec := range s.cache.Snapshot(ProjectionAll) {
		sheets[rec.Sheet] = struct{}{}
		k := key{rec.Sheet, rec.Narrative}
		stat, ok := grouped[k]
		if !ok {
			stat = &NarrativeStat{Sheet: rec.Sheet, Narrative: rec.Narrative}
			grouped[k] = stat
		}
		stat.Total++
		if !rec.Claimed() || rec.TaggerResult == nil {
			stat.Untagged++
			continue
		}
		switch *rec.TaggerResult {
		case 1:
			stat.Result1++
		case 2:
			stat.Result2++
		case 3:
			stat.Result3++
		case 4:
			stat.Result4++
		}
	}

	rows := make([]NarrativeStat, 0, len(grouped))
	summary := StatsSummary{
		TotalTopics:     len(sheets),
		TotalNarratives: len(grouped),
	}
	for _, stat := range grouped {
		stat.Missing = s.opts.TargetPerNarrative - stat.Result1
		if stat.Missing < 0 {
			stat.Missing = 0
		}
		if stat.Result1 >= s.opts.DoneThreshold {
			summary.TotalDoneNarratives++
		}
		if stat.Result1 >= s.opts.FullThreshold {
			summary.TotalFullNarratives++
		}
		summary.Result1 += stat.Result1
		summary.Result2 += stat.Result2
		summary.Result3 += stat.Result3
		summary.Result4 += stat.Result4
		rows = append(rows, *stat)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Sheet != rows[j].Sheet {
			return rows[i].Sheet < rows[j].Sheet
		}
		return rows[i].Narrative < rows[j].Narrative
	})
	return summary, rows
}

// LeaderboardEntry pairs a tagger with the number of records they claimed.
type LeaderboardEntry struct {
	Tagger string `json:"tagger"`
	Count  int    `json:"count"`
}

// Leaderboard returns taggers ordered by claimed-record count, ties broken
// by name.
func (s *SheetStore) Leaderboard(ctx context.Context) []LeaderboardEntry {
	counts := make(map[string]int)
	for _, rec := range s.Records(ctx) {
		if rec.Claimed() {
			counts[rec.Tagger]++
		}
	}
	entries := make([]LeaderboardEntry, 0, len(counts))
	for tagger, count := range counts {
		entries = append(entries, LeaderboardEntry{Tagger: tagger, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Tagger < entries[j].Tagger
	})
	return entries
}
