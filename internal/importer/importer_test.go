package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"travelrecap/internal/geocode"
	"travelrecap/internal/store"
	"travelrecap/internal/timeline"
)

type fakeVisitStore struct {
	existing    map[string]bool
	ensured     []store.MissingPlace
	inserted    [][]timeline.Visit
	insertErr   error
	tablesFound int
}

func newFakeVisitStore() *fakeVisitStore {
	return &fakeVisitStore{existing: make(map[string]bool), tablesFound: 2}
}

func (f *fakeVisitStore) VerifyTables(context.Context) (int, error) { return f.tablesFound, nil }
func (f *fakeVisitStore) CountPlaces(context.Context) (int64, error) {
	return int64(len(f.existing)), nil
}
func (f *fakeVisitStore) CountVisits(context.Context) (int64, error) {
	n := 0
	for _, batch := range f.inserted {
		n += len(batch)
	}
	return int64(n), nil
}
func (f *fakeVisitStore) PlaceExists(_ context.Context, placeID string) (bool, error) {
	return f.existing[placeID], nil
}
func (f *fakeVisitStore) EnsureMinimalPlaces(_ context.Context, missing []store.MissingPlace) error {
	f.ensured = append(f.ensured, missing...)
	for _, m := range missing {
		f.existing[m.PlaceID] = true
	}
	return nil
}
func (f *fakeVisitStore) InsertVisits(_ context.Context, visits []timeline.Visit) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, visits)
	return nil
}

type fakePlaces struct {
	rows map[string]*store.PlaceLocation
}

func (f *fakePlaces) Lookup(_ context.Context, placeID string) *store.PlaceLocation {
	return f.rows[placeID]
}

type fakeResolver struct {
	calls int
	rec   geocode.Record
}

func (f *fakeResolver) Resolve(_ context.Context, lat, lng float64, placeID string) geocode.Record {
	f.calls++
	return f.rec
}

const sampleExport = `{"semanticSegments": [
    {"startTime": "2024-01-01T00:00:00Z", "visit": {"probability": 0.9, "topCandidate": {"placeId": "P1", "placeLocation": {"latLng": "1.0°, 2.0°"}}}},
    {"startTime": "2024-01-02T00:00:00Z", "visit": {"probability": 0, "topCandidate": {"placeId": "P2", "placeLocation": {"latLng": "3.0°, 4.0°"}}}},
    {"startTime": "2024-01-03T00:00:00Z", "visit": {"probability": 0.5, "topCandidate": {"placeLocation": {"latLng": "5.0°, 6.0°"}}}},
    {"startTime": "2024-01-04T00:00:00Z"}
]}`

func writeExport(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "GoogleTimeline.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunFullFlow(t *testing.T) {
	st := newFakeVisitStore()
	city := "Lisbon"
	places := &fakePlaces{rows: map[string]*store.PlaceLocation{
		"P1": {PlaceID: "P1", Lat: 1, Lng: 2, City: &city},
	}}
	st.existing["P1"] = true
	rc := &fakeResolver{rec: geocode.Record{City: &city}}

	im := New(st, places, rc, Options{JSONFile: writeExport(t, sampleExport)})
	c, err := im.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.Segments != 4 || c.Visits != 3 || c.Skipped != 1 {
		t.Errorf("counters = %+v, want 4 segments / 3 visits / 1 skipped", c)
	}
	// P1 缓存命中，P2 与匿名访问走解析器
	if c.FromCache != 1 {
		t.Errorf("from cache = %d, want 1", c.FromCache)
	}
	if rc.calls != 2 || c.FromAPI != 2 {
		t.Errorf("resolver calls = %d, from api = %d, want 2/2", rc.calls, c.FromAPI)
	}
	if c.Geocoded != 3 {
		t.Errorf("geocoded = %d, want 3", c.Geocoded)
	}
	// P2 未入库，引用校验补最小行；匿名访问不参与
	if len(st.ensured) != 1 || st.ensured[0].PlaceID != "P2" {
		t.Errorf("ensured = %+v, want one minimal row for P2", st.ensured)
	}
	if len(st.inserted) != 1 || len(st.inserted[0]) != 3 {
		t.Fatalf("inserted = %v batches, want one batch of 3", len(st.inserted))
	}
}

func TestRunDryRunSkipsPersistence(t *testing.T) {
	st := newFakeVisitStore()
	rc := &fakeResolver{}
	im := New(st, &fakePlaces{}, rc, Options{JSONFile: writeExport(t, sampleExport), DryRun: true})

	c, err := im.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.Visits != 3 {
		t.Errorf("visits = %d, want 3", c.Visits)
	}
	// 干跑仍解析（计数真实），但不校验引用、不插入
	if rc.calls != 3 {
		t.Errorf("resolver calls = %d, want 3", rc.calls)
	}
	if len(st.ensured) != 0 || len(st.inserted) != 0 {
		t.Errorf("dry run must not persist: ensured=%v inserted=%v", st.ensured, st.inserted)
	}
}

func TestRunSkipGeocodeReconciles(t *testing.T) {
	st := newFakeVisitStore()
	rc := &fakeResolver{}
	im := New(st, &fakePlaces{}, rc, Options{JSONFile: writeExport(t, sampleExport), SkipGeocode: true})

	if _, err := im.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rc.calls != 0 {
		t.Errorf("resolver calls = %d, want 0 in skip-geocode mode", rc.calls)
	}
	// 未反地理的 placeId 全部按缺失补最小行，插入仍可满足外键
	got := map[string]bool{}
	for _, m := range st.ensured {
		got[m.PlaceID] = true
	}
	if len(st.ensured) != 2 || !got["P1"] || !got["P2"] {
		t.Errorf("ensured = %+v, want minimal rows for P1 and P2", st.ensured)
	}
	if len(st.inserted) != 1 {
		t.Fatalf("visits must still be inserted, got %d batches", len(st.inserted))
	}
}

func TestReconcileDedupFirstOccurrence(t *testing.T) {
	st := newFakeVisitStore()
	body := `{"semanticSegments": [
        {"startTime": "2024-01-01T00:00:00Z", "visit": {"probability": 0.9, "topCandidate": {"placeId": "P7", "placeLocation": {"latLng": "1.0°, 2.0°"}}}},
        {"startTime": "2024-01-02T00:00:00Z", "visit": {"probability": 0.8, "topCandidate": {"placeId": "P7", "placeLocation": {"latLng": "1.0°, 2.0°"}}}}
    ]}`
	im := New(st, &fakePlaces{}, &fakeResolver{}, Options{JSONFile: writeExport(t, body), SkipGeocode: true})

	if _, err := im.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(st.ensured) != 1 || st.ensured[0].PlaceID != "P7" {
		t.Errorf("ensured = %+v, want single deduplicated entry for P7", st.ensured)
	}
	if st.ensured[0].Lat != 1.0 || st.ensured[0].Lng != 2.0 {
		t.Errorf("missing place coords = %+v, want first occurrence", st.ensured[0])
	}
}

func TestRunInsertFailureIsFatal(t *testing.T) {
	st := newFakeVisitStore()
	st.insertErr = errors.New("deadlock detected")
	im := New(st, &fakePlaces{}, &fakeResolver{}, Options{JSONFile: writeExport(t, sampleExport), SkipGeocode: true})

	if _, err := im.Run(context.Background()); err == nil {
		t.Fatal("insert failure must surface as fatal error")
	}
}

func TestRunBadInputIsFatal(t *testing.T) {
	im := New(newFakeVisitStore(), &fakePlaces{}, &fakeResolver{}, Options{JSONFile: filepath.Join(t.TempDir(), "missing.json")})
	if _, err := im.Run(context.Background()); err == nil {
		t.Fatal("missing input file must surface as fatal error")
	}

	im = New(newFakeVisitStore(), &fakePlaces{}, &fakeResolver{}, Options{JSONFile: writeExport(t, "not json")})
	if _, err := im.Run(context.Background()); err == nil {
		t.Fatal("invalid JSON must surface as fatal error")
	}
}
