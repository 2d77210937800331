// Package classify decides whether an HTTP response is a downloadable file or
// a page meant for a browser.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// ErrNotADownloadableFile is returned when a response is a page, not a file.
var ErrNotADownloadableFile = errors.New("the URL does not point to a downloadable file")

const (
	// LargePayloadThreshold is the Content-Length above which a response is assumed to be a file.
	LargePayloadThreshold = 1 << 20
	// SampleSize is the number of leading bytes fetched for the deep check.
	SampleSize = 8 << 10

	defaultFetchTimeout = 10 * time.Second
)

var allowedSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
	"ftp":   {},
	"ftps":  {},
}

// deepCheckHosts are sites known to serve files behind generic responses. They
// always get the byte sample check instead of the header shortcuts.
var deepCheckHosts = []string{
	"github.com",
	"gitlab.com",
	"sourceforge.net",
	"mediafire.com",
	"mega.nz",
	"dropbox.com",
	"drive.google.com",
	"projectinfinity-x.com",
	"mirror.tejas101k.workers.dev",
}

// Response is the metadata of one terminal HTTP response.
type Response struct {
	URL        *url.URL
	StatusCode int
	Header     http.Header
	// Sample, when set, reads leading body bytes of the live response so the
	// deep check needs no second request.
	Sample func(n int) ([]byte, error)
}

// Result is the outcome of classification.
type Result struct {
	Downloadable bool
	FileName     string
	MimeType     string
	FileSize     int64
	Reason       string
}

// RangeFetcher retrieves the first n bytes of a resource.
type RangeFetcher interface {
	FetchRange(ctx context.Context, u *url.URL, n int) ([]byte, error)
}

type Config struct {
	Fetcher RangeFetcher
	// OptimisticAccept accepts responses whose sample shows neither a known
	// signature nor page markup.
	OptimisticAccept bool
	Logger           *logrus.Logger
}

type Classifier struct {
	cfg Config
}

func New(cfg Config) *Classifier {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Classifier{cfg: cfg}
}

// Classify runs the decision procedure. sample may be nil, in which case the
// configured fetcher is used when the deep check is reached.
func (c *Classifier) Classify(ctx context.Context, resp Response, sample []byte) Result {
	res := c.decide(ctx, resp, sample)
	if res.Downloadable {
		res.FileName = resolveFilename(resp, res.MimeType)
	}
	c.cfg.Logger.WithFields(logrus.Fields{
		"url":          urlString(resp.URL),
		"downloadable": res.Downloadable,
		"reason":       res.Reason,
	}).Debug("response classified")
	return res
}

func (c *Classifier) decide(ctx context.Context, resp Response, sample []byte) Result {
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	res := Result{
		MimeType: mediaType(header.Get("Content-Type")),
		FileSize: contentLength(header),
	}

	u := resp.URL
	if u == nil || u.Host == "" {
		res.Reason = "missing host"
		return res
	}
	deep := needsDeepCheck(u.Hostname())
	if _, ok := allowedSchemes[strings.ToLower(u.Scheme)]; !ok && !deep {
		res.Reason = "unsupported scheme"
		return res
	}

	if strings.Contains(res.MimeType, "text/html") {
		res.Reason = "html content type"
		return res
	}
	if IsAttachment(header.Get("Content-Disposition")) {
		res.Downloadable = true
		res.Reason = "attachment disposition"
		return res
	}
	if !deep {
		if res.FileSize > LargePayloadThreshold {
			res.Downloadable = true
			res.Reason = "large payload"
			return res
		}
		if strings.EqualFold(strings.TrimSpace(header.Get("Accept-Ranges")), "bytes") {
			res.Downloadable = true
			res.Reason = "range support"
			return res
		}
	}

	return c.deepCheck(ctx, resp, sample, res)
}

func (c *Classifier) deepCheck(ctx context.Context, resp Response, sample []byte, res Result) Result {
	u := resp.URL
	if sample == nil && resp.Sample != nil {
		var err error
		sample, err = resp.Sample(SampleSize)
		if err != nil && len(sample) == 0 {
			c.cfg.Logger.WithField("url", u.String()).Debugf("read body sample: %v", err)
			res.Reason = "sample unavailable"
			return res
		}
	}
	if sample == nil {
		if c.cfg.Fetcher == nil {
			res.Downloadable = c.cfg.OptimisticAccept
			res.Reason = "no sample available"
			return res
		}
		var err error
		sample, err = c.cfg.Fetcher.FetchRange(ctx, u, SampleSize)
		if err != nil || len(sample) == 0 {
			c.cfg.Logger.WithField("url", u.String()).Debugf("deep check fetch failed: %v", err)
			res.Reason = "sample unavailable"
			return res
		}
	}
	if len(sample) > SampleSize {
		sample = sample[:SampleSize]
	}

	kind, magic := matchSignature(sample)
	text := looksLikeText(sample)
	if res.MimeType == "" || res.MimeType == "application/octet-stream" {
		if detected := mimetype.Detect(sample); detected != nil && !text {
			res.MimeType = detected.String()
		}
	}

	switch {
	case magic && !text:
		res.Downloadable = true
		res.Reason = "signature " + kind
	case text:
		res.Reason = "text markup in body"
	default:
		res.Downloadable = c.cfg.OptimisticAccept
		res.Reason = "inconclusive sample"
	}
	return res
}

func needsDeepCheck(host string) bool {
	host = strings.ToLower(host)
	for _, d := range deepCheckHosts {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func resolveFilename(resp Response, mimeType string) string {
	if resp.Header != nil {
		if name := FilenameFromDisposition(resp.Header.Get("Content-Disposition")); name != "" {
			return name
		}
	}
	if name := FilenameFromURL(resp.URL); name != "" {
		return name
	}
	if mimeType != "" {
		return "download." + ExtensionForMIME(mimeType)
	}
	return "download"
}

func contentLength(h http.Header) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(h.Get("Content-Length")), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// HTTPRangeFetcher fetches byte samples with a ranged GET.
type HTTPRangeFetcher struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPRangeFetcher(client *http.Client, userAgent string) *HTTPRangeFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPRangeFetcher{Client: client, UserAgent: userAgent}
}

func (f *HTTPRangeFetcher) FetchRange(ctx context.Context, u *url.URL, n int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("range request: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(n)))
	if err != nil {
		return nil, fmt.Errorf("read range body: %w", err)
	}
	return data, nil
}
