// Package torrentmeta inspects magnet links and .torrent files so a task can
// be named and its file list known before the downloader starts.
package torrentmeta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

var ErrNotTorrent = errors.New("not a torrent source")

const maxTorrentFile = 10 << 20

// File is one entry in a multi-file torrent.
type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Meta is what could be learned about a torrent without downloading it.
// Magnet links only carry a name and hash, so Files and TotalSize may be empty.
type Meta struct {
	InfoHash  string   `json:"info_hash"`
	Name      string   `json:"name"`
	TotalSize int64    `json:"total_size"`
	Files     []File   `json:"files,omitempty"`
	Trackers  []string `json:"trackers,omitempty"`
}

// IsTorrentSource reports whether raw is a magnet link or points at a
// .torrent file.
func IsTorrentSource(raw string) bool {
	if strings.HasPrefix(strings.ToLower(raw), "magnet:") {
		return true
	}
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".torrent")
}

// Inspector resolves torrent sources.
type Inspector struct {
	Client *http.Client
}

func NewInspector(client *http.Client) *Inspector {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Inspector{Client: client}
}

// Inspect accepts a magnet URI, an http(s) URL of a .torrent file or a
// local .torrent path.
func (i *Inspector) Inspect(ctx context.Context, source string) (Meta, error) {
	if !IsTorrentSource(source) {
		return Meta{}, ErrNotTorrent
	}
	lower := strings.ToLower(source)
	switch {
	case strings.HasPrefix(lower, "magnet:"):
		return ParseMagnet(source)
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return i.fetch(ctx, source)
	default:
		mi, err := metainfo.LoadFromFile(source)
		if err != nil {
			return Meta{}, fmt.Errorf("load torrent file: %w", err)
		}
		return fromMetaInfo(mi)
	}
}

func ParseMagnet(uri string) (Meta, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return Meta{}, fmt.Errorf("parse magnet: %w", err)
	}
	name := m.DisplayName
	if name == "" {
		name = m.InfoHash.HexString()
	}
	return Meta{
		InfoHash: m.InfoHash.HexString(),
		Name:     name,
		Trackers: m.Trackers,
	}, nil
}

// Load reads a bencoded .torrent from r.
func Load(r io.Reader) (Meta, error) {
	mi, err := metainfo.Load(io.LimitReader(r, maxTorrentFile))
	if err != nil {
		return Meta{}, fmt.Errorf("decode torrent: %w", err)
	}
	return fromMetaInfo(mi)
}

func (i *Inspector) fetch(ctx context.Context, rawURL string) (Meta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Meta{}, fmt.Errorf("build torrent request: %w", err)
	}
	resp, err := i.Client.Do(req)
	if err != nil {
		return Meta{}, fmt.Errorf("fetch torrent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Meta{}, fmt.Errorf("fetch torrent: unexpected status %d", resp.StatusCode)
	}
	return Load(resp.Body)
}

func fromMetaInfo(mi *metainfo.MetaInfo) (Meta, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return Meta{}, fmt.Errorf("unmarshal torrent info: %w", err)
	}
	meta := Meta{
		InfoHash:  mi.HashInfoBytes().HexString(),
		Name:      info.BestName(),
		TotalSize: info.TotalLength(),
	}
	for _, tier := range mi.AnnounceList {
		meta.Trackers = append(meta.Trackers, tier...)
	}
	if len(meta.Trackers) == 0 && mi.Announce != "" {
		meta.Trackers = []string{mi.Announce}
	}
	for _, f := range info.UpvertedFiles() {
		meta.Files = append(meta.Files, File{Path: f.DisplayPath(&info), Size: f.Length})
	}
	return meta, nil
}
