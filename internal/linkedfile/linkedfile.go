// Package linkedfile computes the derived fields of linked files:
// references to artifacts on a cluster filesystem, written as "CLUSTER:/abs/path".
package linkedfile

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DateFormat is the layout of DateLastModified.
const DateFormat = "2006/01/02 15:04:05"

// EnvCluster overrides cluster detection when set.
const EnvCluster = "CBCFLOW_CLUSTER"

var ErrUnknownCluster = errors.New("could not identify cluster from hostname")

// clusterPrefix matches the "CLUSTER:" prefix of a linked file path.
var clusterPrefix = regexp.MustCompile(`^([A-Za-z0-9]+):(/.*)$`)

// hostClusters maps hostname fragments to cluster tags. First match wins.
var hostClusters = []struct {
	fragment string
	cluster  string
}{
	{"ligo-wa", "LHO"},
	{"ligo-la", "LLO"},
	{"ligo.caltech", "CIT"},
	{"gwave.ics.psu.edu", "PSU"},
	{"nemo.uwm.edu", "UWM"},
	{"iucaa", "IUCAA"},
	{"runner", "UWM"},
}

// ClusterForHost returns the cluster tag for a fully qualified hostname.
func ClusterForHost(hostname string) (string, error) {
	if hostname == "cl8" {
		return "CDF", nil
	}
	for _, hc := range hostClusters {
		if strings.Contains(hostname, hc.fragment) {
			return hc.cluster, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCluster, hostname)
}

// DetectCluster determines the cluster this process runs on.
func DetectCluster() (string, error) {
	if c := os.Getenv(EnvCluster); c != "" {
		return c, nil
	}
	h, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownCluster, err)
	}
	return ClusterForHost(h)
}

// Info holds the fields of a linked file that are derived from its path.
type Info struct {
	Path             string
	MD5Sum           string
	DateLastModified string
}

// Fields returns i as a JSON object.
func (i Info) Fields() map[string]any {
	return map[string]any{
		"Path":             i.Path,
		"MD5Sum":           i.MD5Sum,
		"DateLastModified": i.DateLastModified,
	}
}

// Linker computes Info for local files.
type Linker struct {
	// Cluster is used as path prefix. If empty, it is detected on first use.
	Cluster string
	// Location of modification times. Defaults to time.Local.
	Location *time.Location
}

// SplitPath splits "CIT:/home/x" into "CIT" and "/home/x".
// Paths without a cluster prefix are returned unchanged with an empty cluster.
func SplitPath(p string) (cluster, local string) {
	if m := clusterPrefix.FindStringSubmatch(p); m != nil {
		return m[1], m[2]
	}
	return "", p
}

func localPath(p string) (string, error) {
	if rest, ok := strings.CutPrefix(p, "~"); ok && (rest == "" || rest[0] == '/') {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = home + rest
	}
	return filepath.Abs(p)
}

// Link computes the linked file record for path, which may be relative,
// start with "~" or carry a cluster prefix. The file must exist locally.
func (l *Linker) Link(path string) (Info, error) {
	cluster, p := SplitPath(path)
	if cluster == "" {
		cluster = l.Cluster
	}
	if cluster == "" {
		c, err := DetectCluster()
		if err != nil {
			return Info{}, err
		}
		l.Cluster = c
		cluster = c
	}
	p, err := localPath(p)
	if err != nil {
		return Info{}, fmt.Errorf("invalid path %q: %w", path, err)
	}
	sum, err := MD5Sum(p)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return Info{}, fmt.Errorf("could not stat linked file: %w", err)
	}
	loc := l.Location
	if loc == nil {
		loc = time.Local
	}
	return Info{
		Path:             cluster + ":" + p,
		MD5Sum:           sum,
		DateLastModified: fi.ModTime().In(loc).Format(DateFormat),
	}, nil
}

// MD5Sum returns the hex encoded MD5 checksum of the file at path.
func MD5Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open linked file: %w", err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("could not read linked file %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
