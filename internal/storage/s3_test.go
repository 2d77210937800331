package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func testArchiver(endpoint string) *S3Archiver {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
	})
	return NewS3ArchiverWithClient(client, "archive", "/segmentd/")
}

func TestPlanArchive(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(dir, "movie.mp4")
	if err := os.WriteFile(single, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := planArchive(single, "segmentd/t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].key != "segmentd/t1/movie.mp4" || files[0].size != 5 {
		t.Fatalf("single file plan = %+v", files)
	}

	tree := filepath.Join(dir, "album")
	if err := os.MkdirAll(filepath.Join(tree, "cd2"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.mp3", "cd2/b.mp3", "a.mp3.aria2"} {
		if err := os.WriteFile(filepath.Join(tree, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err = planArchive(tree, "p")
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, f := range files {
		keys = append(keys, f.key)
	}
	sort.Strings(keys)
	if strings.Join(keys, ",") != "p/album/a.mp3,p/album/cd2/b.mp3" {
		t.Fatalf("tree keys = %v", keys)
	}

	if _, err := planArchive(filepath.Join(dir, "missing"), "p"); err == nil {
		t.Fatalf("missing path should fail")
	}
}

func TestJoinKey(t *testing.T) {
	if got := joinKey("/a/", "", "b/c/"); got != "a/b/c" {
		t.Fatalf("joinKey = %q", got)
	}
	if got := joinKey("", ""); got != "" {
		t.Fatalf("joinKey empty = %q", got)
	}
}

func TestPresignGet(t *testing.T) {
	a := testArchiver("http://127.0.0.1:9000")
	url, err := a.PresignGet(context.Background(), "segmentd/t1/movie.mp4", 10*time.Minute)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	if !strings.Contains(url, "/archive/segmentd/t1/movie.mp4") || !strings.Contains(url, "X-Amz-Expires=600") {
		t.Fatalf("presigned url = %s", url)
	}
}

func TestListObjectsAppliesPrefix(t *testing.T) {
	var gotPrefix string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefix = r.URL.Query().Get("prefix")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>archive</Name><Prefix>segmentd/t1</Prefix><KeyCount>1</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated><Contents><Key>segmentd/t1/movie.mp4</Key><Size>5</Size><LastModified>2024-01-01T00:00:00.000Z</LastModified></Contents></ListBucketResult>`))
	}))
	defer srv.Close()

	objects, err := testArchiver(srv.URL).ListObjects(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if gotPrefix != "segmentd/t1" {
		t.Fatalf("prefix sent = %q", gotPrefix)
	}
	if len(objects) != 1 || objects[0].Key != "segmentd/t1/movie.mp4" || objects[0].Size != 5 {
		t.Fatalf("objects = %+v", objects)
	}
}

func TestProgressReporterFlushesTotal(t *testing.T) {
	var last int64
	p := newProgressReporter(10, func(done, total int64) { last = done })
	p.report(0)
	_, _ = p.Write(make([]byte, 4))
	_, _ = p.Write(make([]byte, 6))
	p.flush()
	if last != 10 {
		t.Fatalf("last progress = %d, want 10", last)
	}
	if newProgressReporter(1, nil) != nil {
		t.Fatalf("nil callback should disable reporting")
	}
}
