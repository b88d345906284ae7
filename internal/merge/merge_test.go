package merge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dnswlt/cbcflow/internal/schema"
)

func parse(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("invalid test JSON %q: %v", s, err)
	}
	return m
}

func TestMergeLabelsScenario(t *testing.T) {
	s := schema.Metadata()
	ancestor := parse(t, `{"Sname": "S230101a", "Info": {"Labels": ["1", "2", "3"]}}`)
	head := parse(t, `{"Sname": "S230101a", "Info": {"Labels": ["1", "3", "4", "6"]}}`)
	base := parse(t, `{"Sname": "S230101a", "Info": {"Labels": ["1", "2", "5", "6"]}}`)

	res := Merge(s, ancestor, base, head)
	if res.Status != Clean {
		t.Errorf("Status = %v, want clean; conflicts: %v", res.Status, res.Conflicts)
	}
	want := parse(t, `{"Sname": "S230101a", "Info": {"Labels": ["1", "4", "5", "6"]}}`)
	if diff := cmp.Diff(want, res.Document); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeSetsLaw(t *testing.T) {
	tests := []struct {
		name                 string
		ancestor, base, head []any
		want                 []any
	}{
		{"empty", nil, nil, nil, []any{}},
		{"both add", []any{"a"}, []any{"a", "b"}, []any{"a", "c"}, []any{"a", "b", "c"}},
		{"both remove same", []any{"a", "b"}, []any{"a"}, []any{"a"}, []any{"a"}},
		{"remove vs keep", []any{"a", "b"}, []any{"a", "b"}, []any{"b"}, []any{"b"}},
		{"add then remove cancels", []any{"a"}, []any{}, []any{"a", "z"}, []any{"z"}},
		{"readd removed", []any{"a"}, []any{"a"}, []any{}, []any{}},
		{"numbers", []any{1.0, 2.0}, []any{1.0, 2.0, 3.0}, []any{2.0}, []any{2.0, 3.0}},
		{"duplicates collapse", []any{"x", "x"}, []any{"x", "y", "y"}, []any{"x"}, []any{"x", "y"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := MergeSets(tc.ancestor, tc.base, tc.head)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("MergeSets() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeScalars(t *testing.T) {
	s := schema.Metadata()
	tests := []struct {
		name       string
		anc, b, h  string
		wantStatus Status
		want       any
	}{
		{"unchanged", "unstarted", "unstarted", "unstarted", Clean, "unstarted"},
		{"head changed", "unstarted", "unstarted", "ongoing", Clean, "ongoing"},
		{"base changed", "unstarted", "complete", "unstarted", Clean, "complete"},
		{"same change", "unstarted", "complete", "complete", Clean, "complete"},
		{"conflict", "unstarted", "ongoing", "complete", Conflict, Marker("unstarted", "ongoing", "complete")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mk := func(v string) map[string]any {
				return map[string]any{"ParameterEstimation": map[string]any{"Status": v}}
			}
			res := Merge(s, mk(tc.anc), mk(tc.b), mk(tc.h))
			if res.Status != tc.wantStatus {
				t.Errorf("Status = %v, want %v", res.Status, tc.wantStatus)
			}
			got := res.Document["ParameterEstimation"].(map[string]any)["Status"]
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Status field mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeConflictRecord(t *testing.T) {
	s := schema.Metadata()
	anc := parse(t, `{"ParameterEstimation": {"SafeLowerChirpMass": 1.0, "Status": "unstarted"}}`)
	base := parse(t, `{"ParameterEstimation": {"SafeLowerChirpMass": 2.0, "Status": "ongoing"}}`)
	head := parse(t, `{"ParameterEstimation": {"SafeLowerChirpMass": 3.0, "Status": "complete"}}`)

	res := Merge(s, anc, base, head)
	if res.Status != Conflict {
		t.Fatalf("Status = %v, want conflict", res.Status)
	}
	// Every conflicting leaf is reported, not just the first one.
	want := []ConflictRecord{
		{
			Path:     "ParameterEstimation/SafeLowerChirpMass",
			Ancestor: 1.0, Base: 2.0, Head: 3.0,
			Marker: "<<<<<<< base: 2 ||||||| ancestor: 1 ======= head: 3 >>>>>>>",
		},
		{
			Path:     "ParameterEstimation/Status",
			Ancestor: "unstarted", Base: "ongoing", Head: "complete",
			Marker: `<<<<<<< base: "ongoing" ||||||| ancestor: "unstarted" ======= head: "complete" >>>>>>>`,
		},
	}
	if diff := cmp.Diff(want, res.Conflicts); diff != "" {
		t.Errorf("Conflicts mismatch (-want +got):\n%s", diff)
	}
	if !ContainsMarker(res.Document) {
		t.Error("merged document contains no marker")
	}
	if err := s.Validate(res.Document); err == nil {
		t.Error("document with conflict markers passed validation")
	}
}

func TestMergeCommutativeOnDisjointChanges(t *testing.T) {
	s := schema.Metadata()
	anc := parse(t, `{
		"Sname": "S230101a",
		"Info": {"Labels": ["x"]},
		"ParameterEstimation": {"Status": "unstarted", "Results": [
			{"UID": "R1", "Notes": ["a"], "RunStatus": "unstarted"},
			{"UID": "R2", "Notes": []}
		]}
	}`)
	base := parse(t, `{
		"Sname": "S230101a",
		"Info": {"Labels": ["x", "from-base"]},
		"ParameterEstimation": {"Status": "ongoing", "Results": [
			{"UID": "R1", "Notes": ["a", "b"], "RunStatus": "unstarted"},
			{"UID": "R2", "Notes": []},
			{"UID": "R4", "Notes": []}
		]}
	}`)
	head := parse(t, `{
		"Sname": "S230101a",
		"Info": {"Labels": ["x"], "Notes": ["head note"]},
		"ParameterEstimation": {"Status": "unstarted", "Results": [
			{"UID": "R1", "Notes": ["a"], "RunStatus": "complete"},
			{"UID": "R2", "Notes": []},
			{"UID": "R3", "Notes": []}
		]}
	}`)

	r1 := Merge(s, anc, base, head)
	r2 := Merge(s, anc, head, base)
	if r1.Status != Clean || r2.Status != Clean {
		t.Fatalf("statuses = %v, %v, want clean", r1.Status, r2.Status)
	}
	if diff := cmp.Diff(r1.Document, r2.Document); diff != "" {
		t.Errorf("merge is not commutative (-base/head +head/base):\n%s", diff)
	}
	want := parse(t, `{
		"Sname": "S230101a",
		"Info": {"Labels": ["from-base", "x"], "Notes": ["head note"]},
		"ParameterEstimation": {"Status": "ongoing", "Results": [
			{"UID": "R1", "Notes": ["a", "b"], "RunStatus": "complete"},
			{"UID": "R2", "Notes": []},
			{"UID": "R3", "Notes": []},
			{"UID": "R4", "Notes": []}
		]}
	}`)
	if diff := cmp.Diff(want, r1.Document); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeEntityDeletionWins(t *testing.T) {
	s := schema.Metadata()
	anc := parse(t, `{"ParameterEstimation": {"Results": [{"UID": "R1", "Description": "old"}, {"UID": "R2"}]}}`)
	base := parse(t, `{"ParameterEstimation": {"Results": [{"UID": "R2"}]}}`)
	head := parse(t, `{"ParameterEstimation": {"Results": [{"UID": "R1", "Description": "edited"}, {"UID": "R2"}]}}`)

	for _, swap := range []bool{false, true} {
		b, h := base, head
		if swap {
			b, h = head, base
		}
		res := Merge(s, anc, b, h)
		if res.Status != Clean {
			t.Errorf("Status = %v, want clean", res.Status)
		}
		want := []any{map[string]any{"UID": "R2"}}
		if diff := cmp.Diff(want, res.Document["ParameterEstimation"].(map[string]any)["Results"]); diff != "" {
			t.Errorf("Results mismatch (swap=%v) (-want +got):\n%s", swap, diff)
		}
	}
}

func TestMergeNestedEntities(t *testing.T) {
	s := schema.Metadata()
	anc := parse(t, `{"TestingGR": {"IMRCTAnalyses": [
		{"UID": "A1", "Results": [{"UID": "R1", "Notes": []}]}
	]}}`)
	base := parse(t, `{"TestingGR": {"IMRCTAnalyses": [
		{"UID": "A1", "Results": [{"UID": "R1", "Notes": ["base"]}, {"UID": "R2"}]}
	]}}`)
	head := parse(t, `{"TestingGR": {"IMRCTAnalyses": [
		{"UID": "A1", "Results": [{"UID": "R1", "Notes": ["head"], "WaveformApproximant": "X"}]}
	]}}`)
	res := Merge(s, anc, base, head)
	if res.Status != Clean {
		t.Fatalf("Status = %v, want clean: %v", res.Status, res.Conflicts)
	}
	want := parse(t, `{"TestingGR": {"IMRCTAnalyses": [
		{"UID": "A1", "Results": [
			{"UID": "R1", "Notes": ["base", "head"], "WaveformApproximant": "X"},
			{"UID": "R2"}
		]}
	]}}`)
	if diff := cmp.Diff(want, res.Document); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeNestedConflictPath(t *testing.T) {
	s := schema.Metadata()
	anc := parse(t, `{"ParameterEstimation": {"Results": [{"UID": "R1", "ResultFile": {"Path": "CIT:/a", "PublicHTML": "h0"}}]}}`)
	base := parse(t, `{"ParameterEstimation": {"Results": [{"UID": "R1", "ResultFile": {"Path": "CIT:/b", "PublicHTML": "h0"}}]}}`)
	head := parse(t, `{"ParameterEstimation": {"Results": [{"UID": "R1", "ResultFile": {"Path": "CIT:/c", "PublicHTML": "h1"}}]}}`)
	res := Merge(s, anc, base, head)
	if res.Status != Conflict {
		t.Fatalf("Status = %v, want conflict", res.Status)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1: %v", len(res.Conflicts), res.Conflicts)
	}
	if got, want := res.Conflicts[0].Path, "ParameterEstimation/Results[R1]/ResultFile/Path"; got != want {
		t.Errorf("conflict path = %q, want %q", got, want)
	}
	rf := res.Document["ParameterEstimation"].(map[string]any)["Results"].([]any)[0].(map[string]any)["ResultFile"].(map[string]any)
	if rf["PublicHTML"] != "h1" {
		t.Errorf("PublicHTML = %v, want h1 (merged independently of Path)", rf["PublicHTML"])
	}
}

func TestMergeBothAddSameEntity(t *testing.T) {
	s := schema.Metadata()
	anc := parse(t, `{"GraceDB": {"Events": []}}`)
	base := parse(t, `{"GraceDB": {"Events": [{"UID": "G1", "FAR": 1e-9}]}}`)
	head := parse(t, `{"GraceDB": {"Events": [{"UID": "G1", "FAR": 2e-9}]}}`)
	res := Merge(s, anc, base, head)
	if res.Status != Conflict {
		t.Errorf("Status = %v, want conflict", res.Status)
	}
	if got := len(res.Document["GraceDB"].(map[string]any)["Events"].([]any)); got != 1 {
		t.Errorf("got %d events, want 1", got)
	}
}

func TestMergeUnknownFieldsAndDeletion(t *testing.T) {
	s := schema.Metadata()
	anc := parse(t, `{"Extra": {"a": 1}, "Cosmology": {"PreferredSkymap": "s1"}}`)
	base := parse(t, `{"Extra": {"a": 2}, "Cosmology": {}}`)
	head := parse(t, `{"Extra": {"a": 1}, "Cosmology": {"PreferredSkymap": "s1"}}`)
	res := Merge(s, anc, base, head)
	if res.Status != Clean {
		t.Fatalf("Status = %v, want clean", res.Status)
	}
	want := parse(t, `{"Extra": {"a": 2}, "Cosmology": {}}`)
	if diff := cmp.Diff(want, res.Document); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeDoesNotModifyInputs(t *testing.T) {
	s := schema.Metadata()
	anc := parse(t, `{"Info": {"Labels": ["a"]}}`)
	base := parse(t, `{"Info": {"Labels": ["a", "b"]}}`)
	head := parse(t, `{"Info": {"Labels": []}}`)
	res := Merge(s, anc, base, head)
	res.Document["Info"].(map[string]any)["Labels"] = []any{"mutated"}
	if diff := cmp.Diff(parse(t, `{"Info": {"Labels": ["a", "b"]}}`), base); diff != "" {
		t.Errorf("base modified (-want +got):\n%s", diff)
	}
}

func TestMergeConflictWithAbsentValues(t *testing.T) {
	s := schema.Metadata()
	anc := parse(t, `{"GraceDB": {"Instruments": null}}`)
	base := parse(t, `{"GraceDB": {}}`)
	head := parse(t, `{"GraceDB": {"Instruments": "H1,V1"}}`)

	res := Merge(s, anc, base, head)
	want := []ConflictRecord{{
		Path:     "GraceDB/Instruments",
		Ancestor: nil, Base: Absent{}, Head: "H1,V1",
		Marker: `<<<<<<< base: <absent> ||||||| ancestor: null ======= head: "H1,V1" >>>>>>>`,
	}}
	if diff := cmp.Diff(want, res.Conflicts); diff != "" {
		t.Errorf("Conflicts mismatch (-want +got):\n%s", diff)
	}
	if !IsMarker(res.Document["GraceDB"].(map[string]any)["Instruments"]) {
		t.Errorf("Instruments = %v, want a marker", res.Document["GraceDB"])
	}
}

func TestIsMarker(t *testing.T) {
	m := Marker("a", "b", "c")
	if !IsMarker(m) {
		t.Errorf("IsMarker(%q) = false", m)
	}
	if !strings.Contains(m, `"b"`) || !strings.Contains(m, `"c"`) {
		t.Errorf("marker %q does not reference both values", m)
	}
	for _, v := range []any{"plain", "<<<<<<< base: only", 1.0, nil} {
		if IsMarker(v) {
			t.Errorf("IsMarker(%v) = true", v)
		}
	}
}
