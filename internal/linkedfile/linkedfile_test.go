package linkedfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestClusterForHost(t *testing.T) {
	tests := []struct {
		host    string
		want    string
		wantErr bool
	}{
		{"ldas-pcdev1.ligo-wa.caltech.edu", "LHO", false},
		{"ldas-pcdev2.ligo-la.caltech.edu", "LLO", false},
		{"ldas-pcdev6.ligo.caltech.edu", "CIT", false},
		{"cl8", "CDF", false},
		{"gitlab-runner-42", "UWM", false},
		{"my-laptop.local", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.host, func(t *testing.T) {
			got, err := ClusterForHost(tc.host)
			if tc.wantErr {
				if !errors.Is(err, ErrUnknownCluster) {
					t.Errorf("ClusterForHost() error = %v, want ErrUnknownCluster", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ClusterForHost() failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("ClusterForHost() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in          string
		wantCluster string
		wantLocal   string
	}{
		{"CIT:/home/albert/result.hdf5", "CIT", "/home/albert/result.hdf5"},
		{"/home/albert/result.hdf5", "", "/home/albert/result.hdf5"},
		{"relative/file.txt", "", "relative/file.txt"},
	}
	for _, tc := range tests {
		c, l := SplitPath(tc.in)
		if c != tc.wantCluster || l != tc.wantLocal {
			t.Errorf("SplitPath(%q) = %q, %q, want %q, %q", tc.in, c, l, tc.wantCluster, tc.wantLocal)
		}
	}
}

func TestLink(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "result.txt")
	if err := os.WriteFile(p, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC)
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	l := &Linker{Cluster: "CIT", Location: time.UTC}
	want := Info{
		Path:             "CIT:" + p,
		MD5Sum:           "b1946ac92492d2347c6235b4d2611184",
		DateLastModified: "2023/04/05 06:07:08",
	}
	got, err := l.Link(p)
	if err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Link() mismatch (-want +got):\n%s", diff)
	}

	// An explicit cluster prefix wins over the configured cluster.
	got, err = l.Link("LHO:" + p)
	if err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	if got.Path != "LHO:"+p {
		t.Errorf("Path = %q, want %q", got.Path, "LHO:"+p)
	}

	if _, err := l.Link(filepath.Join(dir, "missing")); err == nil {
		t.Error("Link() of missing file succeeded")
	}
}

func TestDetectClusterFromEnv(t *testing.T) {
	t.Setenv(EnvCluster, "TEST")
	c, err := DetectCluster()
	if err != nil {
		t.Fatalf("DetectCluster() failed: %v", err)
	}
	if c != "TEST" {
		t.Errorf("DetectCluster() = %q, want TEST", c)
	}
}
