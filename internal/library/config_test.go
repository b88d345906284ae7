package library

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dnswlt/cbcflow/internal/store"
)

func TestLoadConfigDefaults(t *testing.T) {
	st := store.NewDiskStore(t.TempDir())
	cfg, err := LoadConfig(st, ConfigFile)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.Name != "CBC-Library" || cfg.Events.FARThreshold != 1.2675e-7 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.Events.CreatedSince.Time(testNow); !got.Equal(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedSince = %v", got)
	}
	if got := cfg.Events.CreatedBefore.Time(testNow); !got.Equal(testNow) {
		t.Errorf("CreatedBefore = %v, want now", got)
	}
	if len(cfg.LabelRules()) != len(DefaultLabelRules()) {
		t.Errorf("LabelRules() = %v, want defaults", cfg.LabelRules())
	}
}

func TestLoadConfigPartial(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFile), `
events:
  far-threshold: 1e-5
  created-before: "2023-06-01 12:00:00"
labels: []
`)
	cfg, err := LoadConfig(store.NewDiskStore(dir), ConfigFile)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.Name != "CBC-Library" {
		t.Errorf("Name = %q, want default", cfg.Name)
	}
	if cfg.Events.FARThreshold != 1e-5 {
		t.Errorf("FARThreshold = %g", cfg.Events.FARThreshold)
	}
	if got := cfg.Events.CreatedBefore.String(); got != "2023-06-01 12:00:00" {
		t.Errorf("CreatedBefore = %s", got)
	}
	if cfg.Events.CreatedSince.String() != "2022-01-01 00:00:00" {
		t.Errorf("CreatedSince = %s, want default", cfg.Events.CreatedSince)
	}
	// An explicitly empty list disables labelling.
	if rules := cfg.LabelRules(); len(rules) != 0 {
		t.Errorf("LabelRules() = %v, want none", rules)
	}
}

func TestLoadConfigEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFile), "")
	cfg, err := LoadConfig(store.NewDiskStore(dir), ConfigFile)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig().Name, cfg.Name); diff != "" {
		t.Errorf("Name mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2022-01-01", want: "2022-01-01 00:00:00"},
		{in: "2022-01-01 13:14:15", want: "2022-01-01 13:14:15"},
		{in: "2022-01-01T13:14:15+01:00", want: "2022-01-01 12:14:15"},
		{in: "now", want: "now"},
		{in: "01/02/2022", wantErr: true},
	}
	for _, tc := range tests {
		d, err := ParseDate(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseDate(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && d.String() != tc.want {
			t.Errorf("ParseDate(%q) = %s, want %s", tc.in, d, tc.want)
		}
	}
}

func TestGPS(t *testing.T) {
	tests := []struct {
		utc time.Time
		gps float64
	}{
		{time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(2015, 9, 14, 9, 50, 45, 0, time.UTC), 1126259462}, // GW150914
		{time.Date(2016, 12, 31, 23, 59, 59, 0, time.UTC), 1167264016},
		{time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), 1167264018},
		{time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), 1325030418},
	}
	for _, tc := range tests {
		if got := ToGPS(tc.utc); got != tc.gps {
			t.Errorf("ToGPS(%v) = %f, want %f", tc.utc, got, tc.gps)
		}
		if got := FromGPS(tc.gps); !got.Equal(tc.utc) {
			t.Errorf("FromGPS(%f) = %v, want %v", tc.gps, got, tc.utc)
		}
	}
}

func TestDefaultLabels(t *testing.T) {
	l, err := NewLabeller(DefaultLabelRules())
	if err != nil {
		t.Fatalf("NewLabeller() failed: %v", err)
	}
	doc := map[string]any{"ParameterEstimation": map[string]any{"Status": "complete"}}
	tests := []struct {
		name      string
		preferred map[string]any
		want      []string
	}{
		{"high", map[string]any{"FAR": 1e-31}, []string{"PE::high-significance", "PE-status::complete"}},
		{"medium", map[string]any{"FAR": 1e-30}, []string{"PE::medium-significance", "PE-status::complete"}},
		{"below", map[string]any{"FAR": 1e-10}, []string{"PE::below-threshold", "PE-status::complete"}},
		{"no preferred event", nil, []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := l.Labels("S230101a", doc, tc.preferred)
			if err != nil {
				t.Fatalf("Labels() failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Labels() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLabellerErrors(t *testing.T) {
	if _, err := NewLabeller([]LabelRule{{Name: "bad", Expr: "sname +"}}); err == nil {
		t.Error("NewLabeller() with syntax error succeeded")
	}
	l, err := NewLabeller([]LabelRule{{Name: "int", Expr: "1"}, {Name: "missing", Expr: "metadata.Nope.X == 1"}})
	if err != nil {
		t.Fatalf("NewLabeller() failed: %v", err)
	}
	if _, err := l.Labels("S230101a", map[string]any{}, nil); err == nil {
		t.Error("Labels() with non-label result succeeded")
	}
}

func TestPreferredEvent(t *testing.T) {
	doc := map[string]any{"GraceDB": map[string]any{"Events": []any{
		map[string]any{"UID": "G1", "State": "neighbor"},
		map[string]any{"UID": "G2", "State": "preferred"},
	}}}
	ev, ok := PreferredEvent(doc)
	if !ok || ev["UID"] != "G2" {
		t.Errorf("PreferredEvent() = %v, %v", ev, ok)
	}
	if _, ok := PreferredEvent(map[string]any{"GraceDB": map[string]any{}}); ok {
		t.Error("PreferredEvent() found an event in a document without events")
	}
}

func TestSelectorIncludeList(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.SnamesToInclude = []string{"S230101a"}
	cfg.SnamesToExclude = []string{"S230102b"}
	sel := NewSelector(cfg, testNow)
	noPreferred := map[string]any{"GraceDB": map[string]any{"Events": []any{
		map[string]any{"UID": "G1", "State": "neighbor", "FAR": 1e-20, "GPSTime": 1.35e9},
	}}}
	significant := map[string]any{"GraceDB": map[string]any{"Events": []any{
		map[string]any{"UID": "G2", "State": "preferred", "FAR": 1e-20, "GPSTime": 1.35e9},
	}}}
	tests := []struct {
		sname string
		doc   map[string]any
		want  bool
	}{
		{"S230101a", noPreferred, true},
		{"S230103c", noPreferred, false},
		{"S230102b", significant, false},
		{"S230103c", significant, true},
	}
	for _, tc := range tests {
		if got := sel.Include(tc.sname, tc.doc); got != tc.want {
			t.Errorf("Include(%s, %v) = %v, want %v", tc.sname, tc.doc, got, tc.want)
		}
	}
}
