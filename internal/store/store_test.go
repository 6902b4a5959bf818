package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeGateway keeps worksheets in memory and lets tests inject failures per
// operation.
type fakeGateway struct {
	mu     sync.Mutex
	order  []string
	sheets map[string][][]string

	listErr   error
	readErr   error
	writeErr  error
	appendErr error

	reads   int
	writes  int
	appends int
	creates int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sheets: make(map[string][][]string)}
}

func (g *fakeGateway) seed(sheet string, records ...Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sheets[sheet]; !ok {
		g.order = append(g.order, sheet)
		g.sheets[sheet] = [][]string{Header()}
	}
	for _, rec := range records {
		g.sheets[sheet] = append(g.sheets[sheet], encodeRecord(rec))
	}
}

func (g *fakeGateway) ListWorksheets(context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	return append([]string(nil), g.order...), nil
}

func (g *fakeGateway) ReadAll(_ context.Context, sheet string) ([][]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads++
	if g.readErr != nil {
		return nil, g.readErr
	}
	rows, ok := g.sheets[sheet]
	if !ok {
		return nil, ErrWorksheetNotFound
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = append([]string(nil), row...)
	}
	return out, nil
}

func (g *fakeGateway) WriteAll(_ context.Context, sheet string, rows [][]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes++
	if g.writeErr != nil {
		return g.writeErr
	}
	if _, ok := g.sheets[sheet]; !ok {
		g.order = append(g.order, sheet)
	}
	g.sheets[sheet] = rows
	return nil
}

func (g *fakeGateway) CreateWithHeader(_ context.Context, sheet string, header []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	g.order = append(g.order, sheet)
	g.sheets[sheet] = [][]string{header}
	return nil
}

func (g *fakeGateway) AppendRow(_ context.Context, sheet string, row []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.appends++
	if g.appendErr != nil {
		return g.appendErr
	}
	rows, ok := g.sheets[sheet]
	if !ok {
		return ErrWorksheetNotFound
	}
	g.sheets[sheet] = append(rows, row)
	return nil
}

func intPtr(v int) *int { return &v }

func record(sheet, narrative, link string) Record {
	return Record{Sheet: sheet, Narrative: narrative, Link: link, Title: "clip"}
}

func claimedRecord(sheet, narrative, link, tagger string, result int) Record {
	rec := record(sheet, narrative, link)
	rec.Tagger = tagger
	rec.TaggerResult = intPtr(result)
	return rec
}

func newTestStore(t *testing.T, gw *fakeGateway) *SheetStore {
	t.Helper()
	st := New(gw, Options{Staleness: time.Minute, TargetPerNarrative: 3})
	if err := st.Refresh(context.Background(), ""); err != nil {
		t.Fatalf("initial refresh failed: %v", err)
	}
	return st
}

func TestClaimWritesThrough(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	if err := st.Claim(context.Background(), "https://v/1", "alice", 1); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	snap := st.cache.Snapshot(ProjectionAll)
	if snap[0].Tagger != "alice" || snap[0].TaggerResult == nil || *snap[0].TaggerResult != 1 {
		t.Fatalf("unexpected record after claim: %+v", snap[0])
	}
	if gw.writes != 1 {
		t.Errorf("expected 1 write-through, got %d", gw.writes)
	}
	// The remote sheet must carry the claim too.
	rows, _ := gw.ReadAll(context.Background(), "G1")
	got := decodeRows("G1", rows)
	if got[0].Tagger != "alice" {
		t.Errorf("sheet not updated: %+v", got[0])
	}
}

func TestClaimAlreadyClaimedKeepsFirstClaim(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", claimedRecord("G1", "n1", "https://v/x", "alice", 1))
	st := newTestStore(t, gw)

	err := st.Claim(context.Background(), "https://v/x", "bob", 2)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}

	snap := st.cache.Snapshot(ProjectionAll)
	if snap[0].Tagger != "alice" || *snap[0].TaggerResult != 1 {
		t.Fatalf("first claim was disturbed: %+v", snap[0])
	}
}

func TestClaimBySameTaggerStillFails(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/x"))
	st := newTestStore(t, gw)

	if err := st.Claim(context.Background(), "https://v/x", "alice", 1); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := st.Claim(context.Background(), "https://v/x", "alice", 1); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("repeat claim by same tagger: expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimNotFound(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	if err := st.Claim(context.Background(), "https://v/missing", "alice", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimRejectsResultOutsideRange(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	for _, result := range []int{0, 5, -1, 99} {
		err := st.Claim(context.Background(), "https://v/1", "alice", result)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("result %d: expected ErrInvalidArgument, got %v", result, err)
		}
	}
	if gw.writes != 0 {
		t.Errorf("invalid result reached the gateway: %d writes", gw.writes)
	}
}

func TestClaimRollsBackOnWriteFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/x"))
	st := newTestStore(t, gw)
	before := st.cache.Snapshot(ProjectionAll)

	gw.writeErr = errors.New("quota exceeded")
	err := st.Claim(context.Background(), "https://v/x", "carol", 1)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	after := st.cache.Snapshot(ProjectionAll)
	if len(after) != len(before) {
		t.Fatalf("projection size changed: %d -> %d", len(before), len(after))
	}
	if after[0].Claimed() || after[0].TaggerResult != nil {
		t.Fatalf("projection not rolled back: %+v", after[0])
	}
}

func TestUpdateFieldsValidation(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	if err := st.UpdateFields(context.Background(), "missing-id", FieldDelta{Title: strPtr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing link: expected ErrNotFound, got %v", err)
	}
	if err := st.UpdateFields(context.Background(), "https://v/1", FieldDelta{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty delta: expected ErrInvalidArgument, got %v", err)
	}
	if err := st.UpdateFields(context.Background(), "https://v/1", FieldDelta{TaggerResult: intPtr(7)}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad result: expected ErrInvalidArgument, got %v", err)
	}
}

func TestUpdateFieldsMergesOnlyProvided(t *testing.T) {
	gw := newFakeGateway()
	rec := record("G1", "n1", "https://v/1")
	rec.Story = "original story"
	gw.seed("G1", rec)
	st := newTestStore(t, gw)

	if err := st.UpdateFields(context.Background(), "https://v/1", FieldDelta{Title: strPtr("renamed")}); err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}

	snap := st.cache.Snapshot(ProjectionAll)
	if snap[0].Title != "renamed" {
		t.Errorf("title not updated: %+v", snap[0])
	}
	if snap[0].Story != "original story" || snap[0].Narrative != "n1" {
		t.Errorf("unrelated fields changed: %+v", snap[0])
	}
}

func TestUpdateFieldsRollsBackOnWriteFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	gw.writeErr = errors.New("backend down")
	err := st.UpdateFields(context.Background(), "https://v/1", FieldDelta{Title: strPtr("renamed")})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if snap := st.cache.Snapshot(ProjectionAll); snap[0].Title != "clip" {
		t.Fatalf("projection not rolled back: %+v", snap[0])
	}
}

func TestAppendRejectsDuplicateLink(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)
	before := st.cache.Snapshot(ProjectionAll)

	err := st.Append(context.Background(), record("G2", "n2", "https://v/1"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if after := st.cache.Snapshot(ProjectionAll); len(after) != len(before) {
		t.Fatalf("projection changed on failed append")
	}
	if gw.appends != 0 {
		t.Errorf("conflict reached the gateway: %d appends", gw.appends)
	}
}

func TestAppendCreatesMissingWorksheet(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	if err := st.Append(context.Background(), record("Brand New", "n9", "https://v/9")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if gw.creates != 1 {
		t.Errorf("expected worksheet creation, got %d creates", gw.creates)
	}
	rows, err := gw.ReadAll(context.Background(), "Brand New")
	if err != nil {
		t.Fatalf("new worksheet unreadable: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header+1 row, got %d rows", len(rows))
	}
	if snap := st.cache.Snapshot(ProjectionAll); len(snap) != 2 {
		t.Fatalf("projection missing appended record: %d rows", len(snap))
	}
}

func TestAppendFailureLeavesProjectionUnchanged(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	gw.appendErr = errors.New("no quota")
	err := st.Append(context.Background(), record("G1", "n2", "https://v/2"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if snap := st.cache.Snapshot(ProjectionAll); len(snap) != 1 {
		t.Fatalf("projection grew on failed append: %d rows", len(snap))
	}
}

func TestPickUnclaimedCoversAllCandidates(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1",
		record("G1", "n1", "https://v/1"),
		record("G1", "n1", "https://v/2"),
		record("G1", "n2", "https://v/3"),
	)
	st := newTestStore(t, gw)

	seen := make(map[string]int)
	for i := 0; i < 1000; i++ {
		rec, err := st.PickUnclaimed(context.Background())
		if err != nil {
			t.Fatalf("pick %d: unexpected error %v", i, err)
		}
		seen[rec.Link]++
	}
	if len(seen) != 3 {
		t.Fatalf("distribution sanity: expected all 3 links, saw %v", seen)
	}
}

func TestPickUnclaimedReloadsEveryTime(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	readsBefore := gw.reads
	for i := 0; i < 3; i++ {
		if _, err := st.PickUnclaimed(context.Background()); err != nil {
			t.Fatalf("PickUnclaimed() error = %v", err)
		}
	}
	if gw.reads-readsBefore < 3 {
		t.Errorf("expected a reload per pick, got %d extra reads", gw.reads-readsBefore)
	}
}

func TestPickUnclaimedForUsesStalenessWindow(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	readsBefore := gw.reads
	for i := 0; i < 5; i++ {
		if _, err := st.PickUnclaimedFor(context.Background(), "alice"); err != nil {
			t.Fatalf("PickUnclaimedFor() error = %v", err)
		}
	}
	if gw.reads != readsBefore {
		t.Errorf("fresh projection should not hit the gateway, got %d extra reads", gw.reads-readsBefore)
	}
}

func TestPickNoneAvailable(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", claimedRecord("G1", "n1", "https://v/1", "alice", 1))
	st := newTestStore(t, gw)

	if _, err := st.PickUnclaimed(context.Background()); !errors.Is(err, ErrNoneAvailable) {
		t.Errorf("expected ErrNoneAvailable, got %v", err)
	}
	if _, err := st.PickUnclaimedFor(context.Background(), "bob"); !errors.Is(err, ErrNoneAvailable) {
		t.Errorf("expected ErrNoneAvailable for user pick, got %v", err)
	}
}

func TestPickServesStaleOnGatewayFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	gw.readErr = errors.New("deadline exceeded")
	rec, err := st.PickUnclaimed(context.Background())
	if err != nil {
		t.Fatalf("expected stale pick to succeed, got %v", err)
	}
	if rec.Link != "https://v/1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRefreshSheetPicksUpRemoteChanges(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	gw.seed("G2", record("G2", "n2", "https://v/2"))
	st := newTestStore(t, gw)
	ctx := context.Background()

	// Another writer claims the G1 row directly on the remote sheet.
	gw.mu.Lock()
	gw.sheets["G1"] = [][]string{Header(), encodeRecord(claimedRecord("G1", "n1", "https://v/1", "alice", 1))}
	gw.mu.Unlock()

	if err := st.Refresh(ctx, "G1"); err != nil {
		t.Fatalf("Refresh(G1) error = %v", err)
	}

	byLink := make(map[string]Record)
	for _, rec := range st.Records(ctx) {
		byLink[rec.Link] = rec
	}
	got, ok := byLink["https://v/1"]
	if !ok || got.Tagger != "alice" || got.TaggerResult == nil || *got.TaggerResult != 1 {
		t.Fatalf("remote claim not visible after sheet refresh: %+v", got)
	}
	if _, ok := byLink["https://v/2"]; !ok {
		t.Fatalf("other worksheet's rows lost by sheet refresh: %v", byLink)
	}
}

func TestRefreshSheetFailureKeepsProjection(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1", record("G1", "n1", "https://v/1"))
	st := newTestStore(t, gw)

	gw.readErr = errors.New("deadline exceeded")
	if err := st.Refresh(context.Background(), "G1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if snap := st.cache.Snapshot(ProjectionAll); len(snap) != 1 || snap[0].Link != "https://v/1" {
		t.Fatalf("projection disturbed by failed refresh: %+v", snap)
	}
}

func TestUserTaggedCountAndListings(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("G1",
		claimedRecord("G1", "n1", "https://v/1", "alice", 1),
		claimedRecord("G1", "n1", "https://v/2", "alice", 2),
		record("G1", "n2", "https://v/3"),
	)
	gw.seed("G2", claimedRecord("G2", "n3", "https://v/4", "bob", 1))
	st := newTestStore(t, gw)
	ctx := context.Background()

	if got := st.UserTaggedCount(ctx, "alice"); got != 2 {
		t.Errorf("UserTaggedCount(alice) = %d, want 2", got)
	}
	if got := len(st.TaggedRecords(ctx)); got != 3 {
		t.Errorf("TaggedRecords() = %d rows, want 3", got)
	}
	if got := len(st.RecordsBySheet(ctx, "G2")); got != 1 {
		t.Errorf("RecordsBySheet(G2) = %d rows, want 1", got)
	}
	if got := len(st.Records(ctx)); got != 4 {
		t.Errorf("Records() = %d rows, want 4", got)
	}
}

func strPtr(v string) *string { return &v }
