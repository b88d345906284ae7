package render

import (
	"strings"
	"testing"

	"github.com/dnswlt/cbcflow/internal/schema"
)

func testDoc() map[string]any {
	s := schema.Metadata()
	d := s.Defaults()
	d["Sname"] = "S230101a"
	d["Info"].(map[string]any)["Labels"] = []any{"BBH", "O4"}
	d["GraceDB"].(map[string]any)["Instruments"] = "H1|L1"
	d["ParameterEstimation"].(map[string]any)["Results"] = []any{
		map[string]any{
			"UID":                 "R1",
			"WaveformApproximant": "IMRPhenomXPHM",
			"Deprecated":          false,
			"ResultFile": map[string]any{
				"Path":             "CIT:/home/pe/result.hdf5",
				"MD5Sum":           "d41d8cd98f00b204e9800998ecf8427e",
				"DateLastModified": "2023/01/01 00:00:00",
			},
		},
	}
	d["ParameterEstimation"].(map[string]any)["SafeLowerChirpMass"] = 12.5
	return d
}

func TestMarkdown(t *testing.T) {
	got := string(Markdown(testDoc(), schema.Metadata()))
	for _, want := range []string{
		"# S230101a\n",
		"\n## Info\n\n**Labels**\n\n- BBH\n- O4\n",
		"| Instruments | H1\\|L1 |",
		"\n## ParameterEstimation\n",
		"| SafeLowerChirpMass | 12.5 |",
		"\n### Results: R1\n",
		"| WaveformApproximant | IMRPhenomXPHM |",
		"| ResultFile | `CIT:/home/pe/result.hdf5` (md5 d41d8cd98f00b204e9800998ecf8427e, modified 2023/01/01 00:00:00) |",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Markdown() does not contain %q:\n%s", want, got)
		}
	}
	// Empty groups are left out.
	if strings.Contains(got, "## Publications") {
		t.Errorf("Markdown() contains empty section:\n%s", got)
	}
	if strings.Contains(got, "| Sname |") {
		t.Errorf("Markdown() repeats Sname in a table:\n%s", got)
	}
}

func TestHTML(t *testing.T) {
	got, err := HTML(testDoc(), schema.Metadata())
	if err != nil {
		t.Fatalf("HTML() failed: %v", err)
	}
	for _, want := range []string{
		"<h1>S230101a</h1>",
		"<h3>Results: R1</h3>",
		"<table>",
		"<td>IMRPhenomXPHM</td>",
		"<li>BBH</li>",
	} {
		if !strings.Contains(string(got), want) {
			t.Errorf("HTML() does not contain %q:\n%s", want, got)
		}
	}
}
