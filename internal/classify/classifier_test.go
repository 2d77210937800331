package classify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

type stubFetcher struct {
	data  []byte
	err   error
	calls int
}

func (s *stubFetcher) FetchRange(context.Context, *url.URL, int) ([]byte, error) {
	s.calls++
	return s.data, s.err
}

func TestClassifyHeaderSignals(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		header     http.Header
		wantOK     bool
		wantName   string
		wantReason string
	}{
		{
			name:       "html rejected even with zip path",
			url:        "https://example.com/archive.zip",
			header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}, "Content-Length": {"99999999"}},
			wantReason: "html content type",
		},
		{
			name:       "attachment accepted",
			url:        "https://example.com/get?id=1",
			header:     http.Header{"Content-Disposition": {`attachment; filename="movie.mp4"`}},
			wantOK:     true,
			wantName:   "movie.mp4",
			wantReason: "attachment disposition",
		},
		{
			name:       "large payload accepted",
			url:        "https://example.com/files/big.iso",
			header:     http.Header{"Content-Length": {"2097152"}},
			wantOK:     true,
			wantName:   "big.iso",
			wantReason: "large payload",
		},
		{
			name:       "range support accepted",
			url:        "https://example.com/files/small.bin",
			header:     http.Header{"Accept-Ranges": {"bytes"}},
			wantOK:     true,
			wantName:   "small.bin",
			wantReason: "range support",
		},
		{
			name:       "unsupported scheme rejected",
			url:        "file://host/etc/passwd",
			header:     http.Header{},
			wantReason: "unsupported scheme",
		},
		{
			name:       "missing host rejected",
			url:        "/relative/path",
			header:     http.Header{},
			wantReason: "missing host",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &stubFetcher{}
			c := New(Config{Fetcher: fetcher, OptimisticAccept: true, Logger: quietLogger()})
			res := c.Classify(context.Background(), Response{URL: mustURL(t, tt.url), StatusCode: 200, Header: tt.header}, nil)
			if res.Downloadable != tt.wantOK {
				t.Fatalf("downloadable = %v, want %v (reason %q)", res.Downloadable, tt.wantOK, res.Reason)
			}
			if res.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", res.Reason, tt.wantReason)
			}
			if tt.wantOK && res.FileName != tt.wantName {
				t.Errorf("file name = %q, want %q", res.FileName, tt.wantName)
			}
			if fetcher.calls != 0 {
				t.Errorf("deep check ran %d times for a header decision", fetcher.calls)
			}
		})
	}
}

func TestClassifyDeepCheck(t *testing.T) {
	zip := append([]byte{0x50, 0x4B, 0x03, 0x04}, make([]byte, 60)...)
	tests := []struct {
		name       string
		sample     []byte
		optimistic bool
		want       bool
	}{
		{name: "zip signature", sample: zip, optimistic: false, want: true},
		{name: "html markup", sample: []byte("<!DOCTYPE html><HTML><body>hi</body></HTML>"), optimistic: true, want: false},
		{name: "script markup", sample: []byte("var a = 1;<SCRIPT>alert(1)</script>"), optimistic: true, want: false},
		{name: "xml markup", sample: []byte(`<?xml version="1.0"?><a/>`), optimistic: true, want: false},
		{name: "inconclusive optimistic", sample: []byte("just some bytes"), optimistic: true, want: true},
		{name: "inconclusive strict", sample: []byte("just some bytes"), optimistic: false, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{OptimisticAccept: tt.optimistic, Logger: quietLogger()})
			res := c.Classify(context.Background(), Response{URL: mustURL(t, "https://example.com/dl"), StatusCode: 200, Header: http.Header{}}, tt.sample)
			if res.Downloadable != tt.want {
				t.Errorf("downloadable = %v, want %v (reason %q)", res.Downloadable, tt.want, res.Reason)
			}
		})
	}
}

func TestClassifyDeepCheckHostSkipsShortcuts(t *testing.T) {
	fetcher := &stubFetcher{data: []byte("<html><head></head></html>")}
	c := New(Config{Fetcher: fetcher, OptimisticAccept: true, Logger: quietLogger()})
	res := c.Classify(context.Background(), Response{
		URL:    mustURL(t, "https://www.mediafire.com/file/abc/thing.zip"),
		Header: http.Header{"Accept-Ranges": {"bytes"}, "Content-Length": {"5000000"}},
	}, nil)
	if res.Downloadable {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.calls)
	}
}

func TestClassifyFetchFailureRejects(t *testing.T) {
	c := New(Config{Fetcher: &stubFetcher{err: errors.New("boom")}, OptimisticAccept: true, Logger: quietLogger()})
	res := c.Classify(context.Background(), Response{URL: mustURL(t, "https://example.com/x"), Header: http.Header{}}, nil)
	if res.Downloadable {
		t.Errorf("expected rejection when the sample cannot be fetched")
	}
}

func TestClassifyGenericFilenameFromSniffedMIME(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}
	c := New(Config{Logger: quietLogger()})
	res := c.Classify(context.Background(), Response{URL: mustURL(t, "https://example.com/"), Header: http.Header{}}, png)
	if !res.Downloadable {
		t.Fatalf("png not accepted: %+v", res)
	}
	if res.MimeType != "image/png" {
		t.Errorf("mime = %q", res.MimeType)
	}
	if res.FileName != "download.png" {
		t.Errorf("file name = %q, want download.png", res.FileName)
	}
}

func TestHTTPRangeFetcher(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 20000))
	}))
	defer srv.Close()

	f := NewHTTPRangeFetcher(srv.Client(), "segmentd-test")
	data, err := f.FetchRange(context.Background(), mustURL(t, srv.URL), SampleSize)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if gotRange != "bytes=0-8191" {
		t.Errorf("range header = %q", gotRange)
	}
	if len(data) != SampleSize {
		t.Errorf("len = %d, want %d", len(data), SampleSize)
	}
}
