package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Gateway is the remote spreadsheet surface the store consumes. Calls are
// synchronous and may fail transiently; the implementation owns retry and
// backoff for idempotent reads. Writes are never retried below this
// interface — a lost write acknowledgment must surface as an error.
type Gateway interface {
	ListWorksheets(ctx context.Context) ([]string, error)
	ReadAll(ctx context.Context, sheet string) ([][]string, error)
	WriteAll(ctx context.Context, sheet string, rows [][]string) error
	CreateWithHeader(ctx context.Context, sheet string, header []string) error
	AppendRow(ctx context.Context, sheet string, row []string) error
}

// ProjectionAll names the combined projection holding every worksheet's
// rows. Individual worksheets can be projected under their own name.
const ProjectionAll = "all"

type projection struct {
	mu       sync.Mutex
	rows     []Record
	index    map[string]int // link -> position in rows
	loadedAt time.Time
}

func (p *projection) find(link string) (int, bool) {
	i, ok := p.index[link]
	return i, ok
}

func (p *projection) reindex() {
	p.index = make(map[string]int, len(p.rows))
	for i, rec := range p.rows {
		p.index[rec.Link] = i
	}
}

// Cache owns the in-memory projections of the remote worksheets. Each named
// projection carries its own mutex; every read or mutation of a projection
// runs under that lock, so concurrent mutations of the same projection are
// serialized while distinct projections proceed in parallel.
type Cache struct {
	gw  Gateway
	now func() time.Time

	mu          sync.Mutex
	projections map[string]*projection
}

// NewCache builds an empty cache over the gateway. Projections start empty
// and are populated on first reload.
func NewCache(gw Gateway) *Cache {
	return &Cache{
		gw:          gw,
		now:         time.Now,
		projections: make(map[string]*projection),
	}
}

func (c *Cache) proj(name string) *projection {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.projections[name]
	if !ok {
		p = &projection{index: make(map[string]int)}
		c.projections[name] = p
	}
	return p
}

// EnsureFresh reloads the named projection when it is older than maxAge.
// On gateway failure the previous rows are retained and the error is
// returned; a partial reload is never applied.
func (c *Cache) EnsureFresh(ctx context.Context, name string, maxAge time.Duration) error {
	p := c.proj(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.ensureFreshLocked(ctx, p, name, maxAge)
}

func (c *Cache) ensureFreshLocked(ctx context.Context, p *projection, name string, maxAge time.Duration) error {
	if !p.loadedAt.IsZero() && c.now().Sub(p.loadedAt) <= maxAge {
		return nil
	}
	return c.reloadLocked(ctx, p, name)
}

// Reload unconditionally replaces the named projection from the gateway.
func (c *Cache) Reload(ctx context.Context, name string) error {
	p := c.proj(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.reloadLocked(ctx, p, name)
}

func (c *Cache) reloadLocked(ctx context.Context, p *projection, name string) error {
	rows, err := c.load(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: reload %q: %v", ErrUnavailable, name, err)
	}
	p.rows = rows
	p.reindex()
	p.loadedAt = c.now()
	return nil
}

// load pulls a full copy of the projection's source worksheets. Rows from a
// worksheet that fails to read abort the whole load: the projection is
// replaced wholesale or not at all.
func (c *Cache) load(ctx context.Context, name string) ([]Record, error) {
	if name != ProjectionAll {
		raw, err := c.gw.ReadAll(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		return decodeRows(name, raw), nil
	}

	sheets, err := c.gw.ListWorksheets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worksheets: %w", err)
	}
	var all []Record
	for _, sheet := range sheets {
		raw, err := c.gw.ReadAll(ctx, sheet)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", sheet, err)
		}
		all = append(all, decodeRows(sheet, raw)...)
	}
	return all, nil
}

// ReloadSheet re-reads one worksheet and splices its rows into the combined
// projection, leaving every other worksheet's rows in place. The projection's
// refresh timestamp is not advanced: one fresh worksheet does not make the
// rest of the projection fresh. On gateway failure the projection is
// untouched.
func (c *Cache) ReloadSheet(ctx context.Context, sheet string) error {
	p := c.proj(ProjectionAll)
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh, err := c.load(ctx, sheet)
	if err != nil {
		return fmt.Errorf("%w: reload %q: %v", ErrUnavailable, sheet, err)
	}

	kept := make([]Record, 0, len(p.rows))
	for _, rec := range p.rows {
		if rec.Sheet != sheet {
			kept = append(kept, rec)
		}
	}
	p.rows = append(kept, fresh...)
	p.reindex()
	return nil
}

// Snapshot returns a copy of whatever the projection currently holds,
// without touching the gateway. Callers that need freshness must call
// EnsureFresh or Reload first.
func (c *Cache) Snapshot(name string) []Record {
	p := c.proj(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneRecords(p.rows)
}

// Replace overwrites the projection and its refresh timestamp. Used after a
// successful write-through so readers and writers agree without another
// round trip.
func (c *Cache) Replace(name string, rows []Record) {
	p := c.proj(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = cloneRecords(rows)
	p.reindex()
	p.loadedAt = c.now()
}

// LastRefreshed reports when the projection was last replaced; zero if the
// projection has never been loaded.
func (c *Cache) LastRefreshed(name string) time.Time {
	p := c.proj(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadedAt
}

func cloneRecords(rows []Record) []Record {
	out := make([]Record, len(rows))
	for i, rec := range rows {
		out[i] = rec.Clone()
	}
	return out
}
