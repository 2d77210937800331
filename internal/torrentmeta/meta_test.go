package torrentmeta

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

const hash = "0123456789abcdef0123456789abcdef01234567"

func TestIsTorrentSource(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"magnet:?xt=urn:btih:" + hash, true},
		{"MAGNET:?xt=urn:btih:" + hash, true},
		{"https://example.com/files/ubuntu.torrent", true},
		{"https://example.com/files/ubuntu.TORRENT?x=1", true},
		{"/tmp/local.torrent", true},
		{"https://example.com/file.zip", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsTorrentSource(tt.in); got != tt.want {
			t.Errorf("IsTorrentSource(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseMagnet(t *testing.T) {
	meta, err := ParseMagnet("magnet:?xt=urn:btih:" + hash + "&dn=Some+Album&tr=udp%3A%2F%2Ftracker.example%3A80")
	if err != nil {
		t.Fatalf("ParseMagnet: %v", err)
	}
	if meta.InfoHash != hash || meta.Name != "Some Album" {
		t.Fatalf("meta = %+v", meta)
	}
	if len(meta.Trackers) != 1 || meta.Trackers[0] != "udp://tracker.example:80" {
		t.Fatalf("trackers = %v", meta.Trackers)
	}

	if _, err := ParseMagnet("magnet:?dn=nohash"); err == nil {
		t.Fatalf("magnet without hash should fail")
	}
}

func writeTorrent(t *testing.T) []byte {
	t.Helper()
	info := metainfo.Info{
		Name:        "album",
		PieceLength: 16 << 10,
		Pieces:      make([]byte, 20),
		Files: []metainfo.FileInfo{
			{Path: []string{"a.mp3"}, Length: 100},
			{Path: []string{"cd2", "b.mp3"}, Length: 200},
		},
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	mi := metainfo.MetaInfo{InfoBytes: infoBytes, Announce: "http://tracker.example/announce"}
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		t.Fatalf("write torrent: %v", err)
	}
	return buf.Bytes()
}

func TestInspectLocalAndRemoteTorrent(t *testing.T) {
	data := writeTorrent(t)
	local := filepath.Join(t.TempDir(), "album.torrent")
	if err := os.WriteFile(local, data, 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-bittorrent")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	in := NewInspector(srv.Client())
	for _, source := range []string{local, srv.URL + "/album.torrent"} {
		meta, err := in.Inspect(context.Background(), source)
		if err != nil {
			t.Fatalf("Inspect(%s): %v", source, err)
		}
		if meta.Name != "album" || meta.TotalSize != 300 || len(meta.Files) != 2 {
			t.Fatalf("meta = %+v", meta)
		}
		if meta.Files[1].Path != "cd2/b.mp3" || meta.Files[1].Size != 200 {
			t.Fatalf("second file = %+v", meta.Files[1])
		}
		if len(meta.InfoHash) != 40 || len(meta.Trackers) != 1 {
			t.Fatalf("meta = %+v", meta)
		}
	}
}

func TestInspectRejectsPlainURL(t *testing.T) {
	_, err := NewInspector(nil).Inspect(context.Background(), "https://example.com/a.zip")
	if !errors.Is(err, ErrNotTorrent) {
		t.Fatalf("err = %v, want ErrNotTorrent", err)
	}
}
