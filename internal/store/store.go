package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// Options tunes the sheet store. Zero values fall back to the defaults the
// production deployment runs with.
type Options struct {
	// Staleness is the maximum projection age tolerated by staleness-checked
	// read paths before a reload is forced.
	Staleness time.Duration
	// TargetPerNarrative is the number of positive results a narrative needs
	// before its "missing" count reaches zero.
	TargetPerNarrative int
	// DoneThreshold is the positive-result count at which a narrative counts
	// as done; FullThreshold is the stricter fully-covered bar.
	DoneThreshold int
	FullThreshold int
}

func (o Options) withDefaults() Options {
	if o.Staleness <= 0 {
		o.Staleness = time.Minute
	}
	if o.TargetPerNarrative <= 0 {
		o.TargetPerNarrative = 3
	}
	if o.DoneThreshold <= 0 {
		o.DoneThreshold = 1
	}
	if o.FullThreshold <= 0 {
		o.FullThreshold = 3
	}
	return o
}

// SheetStore keeps the in-memory projection of the remote spreadsheet and
// implements claiming, mutation and aggregation over it. All mutations of a
// projection are serialized by the projection's lock, so the check-then-set
// claim sequence is atomic within this process. Nothing prevents two
// instances of the process from racing on the same item: the backing store
// offers no compare-and-swap, and cross-instance exclusion is an accepted
// limitation.
type SheetStore struct {
	gw    Gateway
	cache *Cache
	opts  Options
	randN func(int) int
}

// New builds a store over the gateway with an empty projection.
func New(gw Gateway, opts Options) *SheetStore {
	return &SheetStore{
		gw:    gw,
		cache: NewCache(gw),
		opts:  opts.withDefaults(),
		randN: rand.Intn,
	}
}

// Cache exposes the projection cache, mainly for freshness control.
func (s *SheetStore) Cache() *Cache {
	return s.cache
}

// Ping verifies the gateway is reachable.
func (s *SheetStore) Ping(ctx context.Context) error {
	if _, err := s.gw.ListWorksheets(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Refresh forces a reload. An empty name replaces the combined projection
// wholesale; a worksheet name re-reads that worksheet and splices its rows
// into the combined projection, leaving the other worksheets' rows alone.
func (s *SheetStore) Refresh(ctx context.Context, name string) error {
	if name == "" || name == ProjectionAll {
		return s.cache.Reload(ctx, ProjectionAll)
	}
	return s.cache.ReloadSheet(ctx, name)
}

// PickUnclaimed selects uniformly at random among unclaimed records. It
// reloads the projection unconditionally first: handing out an item that was
// claimed since the last refresh is a correctness bug on this path. If the
// reload fails the stale projection is served with a logged warning.
func (s *SheetStore) PickUnclaimed(ctx context.Context) (Record, error) {
	if err := s.cache.Reload(ctx, ProjectionAll); err != nil {
		log.Printf("WARNING: pick running on stale projection: %v", err)
	}
	return s.pick(func(r Record) bool { return !r.Claimed() })
}

// PickUnclaimedFor behaves like PickUnclaimed but additionally skips records
// the named tagger already claimed, and only reloads when the projection is
// older than the configured staleness window. A pick racing a concurrent
// claim within that window is tolerated to keep gateway traffic bounded; the
// claim itself still rejects the loser.
func (s *SheetStore) PickUnclaimedFor(ctx context.Context, tagger string) (Record, error) {
	if tagger == "" {
		return Record{}, fmt.Errorf("%w: tagger is required", ErrInvalidArgument)
	}
	if err := s.cache.EnsureFresh(ctx, ProjectionAll, s.opts.Staleness); err != nil {
		log.Printf("WARNING: pick for %q running on stale projection: %v", tagger, err)
	}
	return s.pick(func(r Record) bool { return !r.Claimed() && r.Tagger != tagger })
}

func (s *SheetStore) pick(eligible func(Record) bool) (Record, error) {
	var candidates []Record
	for _, rec := range s.cache.Snapshot(ProjectionAll) {
		if rec.Link != "" && eligible(rec) {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return Record{}, ErrNoneAvailable
	}
	return candidates[s.randN(len(candidates))], nil
}

// Claim records that tagger labeled the linked item with result. It fails
// with ErrNotFound for an unknown link, ErrAlreadyClaimed when any tagger
// (including the caller) already owns the item, and ErrUnavailable when the
// write-through fails — in which case the in-memory projection is rolled
// back so cache and sheet cannot diverge.
func (s *SheetStore) Claim(ctx context.Context, link, tagger string, result int) error {
	if tagger == "" {
		return fmt.Errorf("%w: tagger is required", ErrInvalidArgument)
	}
	if !ValidResult(result) {
		return fmt.Errorf("%w: result %d outside [%d,%d]", ErrInvalidArgument, result, MinResult, MaxResult)
	}

	p := s.cache.proj(ProjectionAll)
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.find(link)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, link)
	}
	if p.rows[i].Claimed() {
		return fmt.Errorf("%w: %s by %s", ErrAlreadyClaimed, link, p.rows[i].Tagger)
	}

	prev := p.rows[i].Clone()
	res := result
	p.rows[i].Tagger = tagger
	p.rows[i].TaggerResult = &res

	if err := s.writeSheetLocked(ctx, p, p.rows[i].Sheet); err != nil {
		p.rows[i] = prev
		return err
	}
	p.loadedAt = s.cache.now()
	return nil
}

// FieldDelta carries the fields an update should merge into a record. Nil
// fields are left untouched. The link is the record's identity and cannot be
// changed; the worksheet a record lives in cannot be changed either.
type FieldDelta struct {
	Narrative    *string  `json:"narrative"`
	Story        *string  `json:"story"`
	Platform     *string  `json:"platform"`
	Title        *string  `json:"title"`
	HebrewTitle  *string  `json:"hebrew_title"`
	Tagger       *string  `json:"tagger"`
	TaggerResult *int     `json:"tagger_result"`
	Length       *float64 `json:"length"`
}

func (d FieldDelta) empty() bool {
	return d.Narrative == nil && d.Story == nil && d.Platform == nil &&
		d.Title == nil && d.HebrewTitle == nil && d.Tagger == nil &&
		d.TaggerResult == nil && d.Length == nil
}

func (d FieldDelta) apply(rec *Record) {
	if d.Narrative != nil {
		rec.Narrative = *d.Narrative
	}
	if d.Story != nil {
		rec.Story = *d.Story
	}
	if d.Platform != nil {
		rec.Platform = *d.Platform
	}
	if d.Title != nil {
		rec.Title = *d.Title
	}
	if d.HebrewTitle != nil {
		rec.HebrewTitle = *d.HebrewTitle
	}
	if d.Tagger != nil {
		rec.Tagger = *d.Tagger
	}
	if d.TaggerResult != nil {
		v := *d.TaggerResult
		rec.TaggerResult = &v
	}
	if d.Length != nil {
		v := *d.Length
		rec.Length = &v
	}
}

// UpdateFields merges the provided fields into the linked record and writes
// the record's worksheet through the gateway. Empty deltas are rejected
// before the cache is touched; a failed write-through rolls the projection
// back.
func (s *SheetStore) UpdateFields(ctx context.Context, link string, delta FieldDelta) error {
	if delta.empty() {
		return fmt.Errorf("%w: empty update", ErrInvalidArgument)
	}
	if delta.TaggerResult != nil && !ValidResult(*delta.TaggerResult) {
		return fmt.Errorf("%w: result %d outside [%d,%d]", ErrInvalidArgument, *delta.TaggerResult, MinResult, MaxResult)
	}

	p := s.cache.proj(ProjectionAll)
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.find(link)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, link)
	}

	prev := p.rows[i].Clone()
	delta.apply(&p.rows[i])

	if err := s.writeSheetLocked(ctx, p, p.rows[i].Sheet); err != nil {
		p.rows[i] = prev
		return err
	}
	p.loadedAt = s.cache.now()
	return nil
}

// Append inserts a new record, creating its worksheet when missing. A link
// that already exists anywhere in the projection fails with ErrConflict and
// leaves both cache and sheet untouched.
func (s *SheetStore) Append(ctx context.Context, rec Record) error {
	if rec.Link == "" || rec.Sheet == "" {
		return fmt.Errorf("%w: sheet and link are required", ErrInvalidArgument)
	}
	if rec.TaggerResult != nil && !ValidResult(*rec.TaggerResult) {
		return fmt.Errorf("%w: result %d outside [%d,%d]", ErrInvalidArgument, *rec.TaggerResult, MinResult, MaxResult)
	}

	p := s.cache.proj(ProjectionAll)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.find(rec.Link); exists {
		return fmt.Errorf("%w: %s", ErrConflict, rec.Link)
	}

	// The row lands at the first empty position of its worksheet; the
	// projection is only extended once the remote append succeeded, which
	// keeps the rollback-on-failure property trivially true.
	wctx := context.WithoutCancel(ctx)
	err := s.gw.AppendRow(wctx, rec.Sheet, encodeRecord(rec))
	if errors.Is(err, ErrWorksheetNotFound) {
		if err = s.gw.CreateWithHeader(wctx, rec.Sheet, Header()); err == nil {
			err = s.gw.AppendRow(wctx, rec.Sheet, encodeRecord(rec))
		}
	}
	if err != nil {
		return fmt.Errorf("%w: append to %q: %v", ErrUnavailable, rec.Sheet, err)
	}

	p.rows = append(p.rows, rec.Clone())
	p.index[rec.Link] = len(p.rows) - 1
	p.loadedAt = s.cache.now()
	return nil
}

// writeSheetLocked writes every projected row belonging to sheet back
// through the gateway as a full-sheet replace. The caller holds the
// projection lock. The write runs detached from request cancellation: once a
// mutation is in flight it must either complete on both sides or be rolled
// back on both, never half-applied.
func (s *SheetStore) writeSheetLocked(ctx context.Context, p *projection, sheet string) error {
	var rows []Record
	for _, rec := range p.rows {
		if rec.Sheet == sheet {
			rows = append(rows, rec)
		}
	}
	if err := s.gw.WriteAll(context.WithoutCancel(ctx), sheet, encodeRows(rows)); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrUnavailable, sheet, err)
	}
	return nil
}

// Records returns the combined projection, refreshed when older than the
// staleness window. Gateway failure degrades to the cached rows with a
// logged warning.
func (s *SheetStore) Records(ctx context.Context) []Record {
	if err := s.cache.EnsureFresh(ctx, ProjectionAll, s.opts.Staleness); err != nil {
		log.Printf("WARNING: listing stale projection: %v", err)
	}
	return s.cache.Snapshot(ProjectionAll)
}

// RecordsBySheet filters the combined projection down to one worksheet.
func (s *SheetStore) RecordsBySheet(ctx context.Context, sheet string) []Record {
	var out []Record
	for _, rec := range s.Records(ctx) {
		if rec.Sheet == sheet {
			out = append(out, rec)
		}
	}
	return out
}

// TaggedRecords returns every claimed record.
func (s *SheetStore) TaggedRecords(ctx context.Context) []Record {
	var out []Record
	for _, rec := range s.Records(ctx) {
		if rec.Claimed() {
			out = append(out, rec)
		}
	}
	return out
}

// UserTaggedCount counts the records claimed by tagger.
func (s *SheetStore) UserTaggedCount(ctx context.Context, tagger string) int {
	count := 0
	for _, rec := range s.Records(ctx) {
		if rec.Tagger == tagger {
			count++
		}
	}
	return count
}
