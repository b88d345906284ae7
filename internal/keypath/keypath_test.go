package keypath

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testFields models a small schema:
//
//	Info { Labels }
//	ParameterEstimation { Status, Results[] { UID, WaveformApproximant, Result_File { Path } } }
func testFields(prefix Path) []string {
	switch prefix.Key() {
	case "":
		return []string{"Info", "ParameterEstimation"}
	case "/Info":
		return []string{"Labels"}
	case "/ParameterEstimation":
		return []string{"Status", "Results"}
	case "/ParameterEstimation/Results":
		return []string{"UID", "WaveformApproximant", "Result_File"}
	case "/ParameterEstimation/Results/Result_File":
		return []string{"Path"}
	}
	return nil
}

func TestParse(t *testing.T) {
	tests := []struct {
		flat       string
		wantPath   Path
		wantAction Action
	}{
		{"Info-Labels-add", New("Info", "Labels"), Add},
		{"--info-labels-remove", New("Info", "Labels"), Remove},
		{"ParameterEstimation_Status_set", New("ParameterEstimation", "Status"), Set},
		{"ParameterEstimation-Results-UID-set", New("ParameterEstimation", "Results", "UID"), Set},
		{"ParameterEstimation-Results-Result_File-Path-set", New("ParameterEstimation", "Results", "Result_File", "Path"), Set},
		{"ParameterEstimation-Results-Result-File-Path-SET", New("ParameterEstimation", "Results", "Result_File", "Path"), Set},
	}
	for _, tc := range tests {
		t.Run(tc.flat, func(t *testing.T) {
			p, a, err := Parse(tc.flat, testFields)
			if err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			if diff := cmp.Diff(tc.wantPath, p); diff != "" {
				t.Errorf("path mismatch (-want +got):\n%s", diff)
			}
			if a != tc.wantAction {
				t.Errorf("action = %q, want %q", a, tc.wantAction)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		flat    string
		wantErr error
	}{
		{"Info", ErrNoAction},
		{"Info-Labels-append", ErrNoAction},
		{"Info-Bogus-set", ErrUnknownField},
		{"Info-Labels-Deeper-set", ErrUnknownField},
	}
	for _, tc := range tests {
		if _, _, err := Parse(tc.flat, testFields); !errors.Is(err, tc.wantErr) {
			t.Errorf("Parse(%q) error = %v, want %v", tc.flat, err, tc.wantErr)
		}
	}
}

func TestKey(t *testing.T) {
	p := Path{{Name: "TestingGR"}, {Name: "IMRCTAnalyses", UID: "A1"}, {Name: "Results", UID: "R1"}, {Name: "a/b~c"}}
	key := p.Key()
	if key != "/TestingGR/IMRCTAnalyses/Results/a~1b~0c" {
		t.Errorf("Key() = %q", key)
	}
	if diff := cmp.Diff(New(p.Names()...), FromKey(key)); diff != "" {
		t.Errorf("FromKey() mismatch (-want +got):\n%s", diff)
	}
	if got := p.String(); got != "TestingGR/IMRCTAnalyses[A1]/Results[R1]/a/b~c" {
		t.Errorf("String() = %q", got)
	}
	if len(FromKey("")) != 0 {
		t.Errorf("FromKey(\"\") = %v, want empty path", FromKey(""))
	}
}

func TestPathOps(t *testing.T) {
	base := New("ParameterEstimation")
	withUID := base.Append(Segment{Name: "Results", UID: "R1"})
	if !withUID.HasPrefix(base) || base.HasPrefix(withUID) {
		t.Error("HasPrefix() mismatch")
	}
	if !withUID.HasPrefix(New("ParameterEstimation", "Results")) {
		t.Error("HasPrefix() must ignore UIDs")
	}
	if withUID.Equal(New("ParameterEstimation", "Results")) {
		t.Error("Equal() must compare UIDs")
	}
	child := withUID.Child("Notes")
	child2 := withUID.Child("Analysts")
	if child[2].Name != "Notes" || child2[2].Name != "Analysts" {
		t.Errorf("Child() aliases its receiver: %v, %v", child, child2)
	}
	if got := Flag(child, Add); got != "ParameterEstimation-Results-Notes-add" {
		t.Errorf("Flag() = %q", got)
	}
	if _, err := ParseAction("bogus"); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Errorf("ParseAction(bogus) error = %v", err)
	}
}
