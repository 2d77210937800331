// Package aria2 describes the command line contract of the external
// segmented downloader.
package aria2

import (
	"path/filepath"
	"strconv"
)

// DefaultBinary is looked up on PATH when no explicit path is configured.
const DefaultBinary = "aria2c"

// MaxConnections is the per-server connection ceiling aria2c accepts for -x.
const MaxConnections = 16

// DefaultMaxTries bounds aria2c's own retries of a failing source.
const DefaultMaxTries = 5

// Options configures one invocation.
type Options struct {
	URL         string
	Dir         string
	FileName    string
	Connections int
	Splits      int
	// MinSplitSize is passed verbatim, e.g. "1M".
	MinSplitSize string
	Resume       bool
	// DownloadLimit and UploadLimit are bytes per second, 0 for unlimited.
	DownloadLimit int64
	UploadLimit   int64
	Torrent       bool
	UserAgent     string
	// MaxTries is aria2c's per-source retry count. Zero uses DefaultMaxTries.
	MaxTries int
	Headers       []string
}

// Args builds the argument list. The URL (or magnet/torrent path) is last.
func Args(o Options) []string {
	conns := clamp(o.Connections, 1, MaxConnections)
	splits := o.Splits
	if splits < conns {
		splits = conns
	}
	tries := o.MaxTries
	if tries <= 0 {
		tries = DefaultMaxTries
	}
	minSplit := o.MinSplitSize
	if minSplit == "" {
		minSplit = "1M"
	}

	args := []string{
		"-c",
		"--auto-file-renaming=false",
		"-x", strconv.Itoa(conns),
		"-s", strconv.Itoa(splits),
		"-k", minSplit,
		"-d", o.Dir,
		"--summary-interval=1",
		"--console-log-level=info",
		"--human-readable=true",
		"--enable-color=false",
		"--max-tries=" + strconv.Itoa(tries),
		"--retry-wait=2",
		"--timeout=10",
		"--connect-timeout=10",
		"--max-download-limit=" + strconv.FormatInt(max(o.DownloadLimit, 0), 10),
		"--max-upload-limit=" + strconv.FormatInt(max(o.UploadLimit, 0), 10),
	}
	if o.FileName != "" && !o.Torrent {
		args = append(args, "-o", o.FileName)
	}
	if o.Resume {
		args = append(args, "--continue=true", "--always-resume=true")
	}
	if o.Torrent {
		args = append(args,
			"--seed-time=0",
			"--seed-ratio=0.0",
			"--bt-save-metadata=true",
			"--bt-load-saved-metadata=true",
			"--enable-dht=true",
			"--enable-peer-exchange=true",
			"--follow-torrent=mem",
		)
	}
	if o.UserAgent != "" {
		args = append(args, "--user-agent="+o.UserAgent)
	}
	for _, h := range o.Headers {
		args = append(args, "--header="+h)
	}
	return append(args, o.URL)
}

// PartialArtifacts lists the files a failed or cancelled transfer leaves behind.
func PartialArtifacts(dir, fileName string) []string {
	if fileName == "" {
		return nil
	}
	path := filepath.Join(dir, fileName)
	return []string{path, path + ".aria2"}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
