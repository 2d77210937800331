// Package fetch runs one classify-then-download attempt against a URL,
// following redirects and refusing to save pages that are not files.
package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"segmentd/internal/classify"
	"segmentd/internal/redirect"
)

type State string

const (
	StateIdle              State = "idle"
	StateRequesting        State = "requesting"
	StateClassifying       State = "classifying"
	StateFollowingRedirect State = "following-redirect"
	StateStreaming         State = "streaming"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// FileInfo describes the resolved target of a fetch.
type FileInfo struct {
	URL           string
	FinalURL      string
	FileName      string
	MimeType      string
	FileSize      int64
	AcceptsRanges bool
	Redirects     []redirect.Hop
}

// Handlers are optional callbacks. OnProgress receives the completed fraction,
// 0 while the total is unknown.
type Handlers struct {
	OnProgress   func(fraction float64, received int64)
	OnRedirect   func(from, to *url.URL)
	OnCompletion func(FileInfo, error)
}

type Config struct {
	Classifier     *classify.Classifier
	UserAgent      string
	RequestTimeout time.Duration
	// MaxHops is the redirect count past which the tracker warns.
	MaxHops int
	// FollowLimit bounds how many redirects are actually followed.
	FollowLimit int
	Transport   http.RoundTripper
	Logger      *logrus.Logger
}

// Session performs fetch attempts. One Session runs one attempt at a time.
type Session struct {
	cfg     Config
	tracker *redirect.Tracker
	client  *http.Client

	mu    sync.Mutex
	state State
}

func NewSession(cfg Config) *Session {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "segmentd/1.0"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.FollowLimit <= 0 {
		cfg.FollowLimit = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Transport == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.RequestTimeout
		cfg.Transport = transport
	}

	s := &Session{
		cfg:     cfg,
		tracker: redirect.NewTracker(cfg.MaxHops, cfg.Logger),
		state:   StateIdle,
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	s.client = &http.Client{
		Transport: cfg.Transport,
		Jar:       jar,
	}
	return s
}

// State returns the current state of the attempt.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.cfg.Logger.WithFields(logrus.Fields{"from": prev, "to": st}).Debug("fetch state changed")
	}
}

// Tracker exposes the redirect chain of the latest attempt.
func (s *Session) Tracker() *redirect.Tracker {
	return s.tracker
}

// StartSmartDownload runs Download in the background and reports the result
// through h.OnCompletion. The returned function cancels the attempt.
func (s *Session) StartSmartDownload(ctx context.Context, rawURL string, dst io.Writer, h Handlers) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		info, err := s.Download(ctx, rawURL, dst, h)
		if h.OnCompletion != nil {
			h.OnCompletion(info, err)
		}
	}()
	return cancel
}

// Resolve classifies the target without streaming its body.
func (s *Session) Resolve(ctx context.Context, rawURL string, h Handlers) (FileInfo, error) {
	return s.run(ctx, rawURL, nil, h)
}

// Download classifies the target and, when it is a file, streams the body to dst.
func (s *Session) Download(ctx context.Context, rawURL string, dst io.Writer, h Handlers) (FileInfo, error) {
	if dst == nil {
		dst = io.Discard
	}
	return s.run(ctx, rawURL, dst, h)
}

func (s *Session) run(ctx context.Context, rawURL string, dst io.Writer, h Handlers) (FileInfo, error) {
	info, err := s.attempt(ctx, rawURL, dst, h)
	switch {
	case err == nil:
		s.setState(StateCompleted)
	case errors.Is(err, ErrCancelled):
		s.setState(StateCancelled)
	default:
		s.setState(StateFailed)
	}
	return info, err
}

func (s *Session) attempt(ctx context.Context, rawURL string, dst io.Writer, h Handlers) (FileInfo, error) {
	if s.cfg.Classifier == nil {
		return FileInfo{}, ErrNoResponseAnalyzer
	}
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || target.Scheme == "" || target.Host == "" {
		return FileInfo{}, ErrInvalidURL
	}

	s.tracker.Start(target)
	s.setState(StateRequesting)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return FileInfo{}, ErrInvalidURL
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	client := *s.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= s.cfg.FollowLimit {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		s.setState(StateFollowingRedirect)
		from := via[len(via)-1].URL
		var (
			header http.Header
			status int
		)
		if next.Response != nil {
			header = next.Response.Header
			status = next.Response.StatusCode
		}
		s.tracker.RecordRedirect(from, next.URL, header, status)
		if h.OnRedirect != nil {
			h.OnRedirect(from, next.URL)
		}
		next.Header.Set("User-Agent", s.cfg.UserAgent)
		s.setState(StateClassifying)
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return FileInfo{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	s.setState(StateClassifying)
	if resp.StatusCode >= http.StatusBadRequest {
		return FileInfo{}, &Error{Kind: KindStatus, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body := bufio.NewReaderSize(resp.Body, classify.SampleSize)
	result := s.cfg.Classifier.Classify(ctx, classify.Response{
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Sample: func(n int) ([]byte, error) {
			return body.Peek(n)
		},
	}, nil)
	if ctx.Err() != nil {
		return FileInfo{}, ErrCancelled
	}
	if !result.Downloadable {
		return FileInfo{}, ErrNotADownloadableFile
	}

	info := s.merge(target, resp, result)
	if dst == nil {
		return info, nil
	}

	s.setState(StateStreaming)
	received, err := stream(ctx, body, dst, info.FileSize, h.OnProgress)
	if err != nil {
		if ctx.Err() != nil {
			return info, ErrCancelled
		}
		return info, transportError(ctx, err)
	}
	if info.FileSize > 0 && received < info.FileSize {
		return info, &Error{Kind: KindNetwork, Err: fmt.Errorf("body truncated at %d of %d bytes", received, info.FileSize)}
	}
	info.FileSize = received
	return info, nil
}

// merge combines classifier output with the redirect chain; chain values win.
func (s *Session) merge(origin *url.URL, resp *http.Response, result classify.Result) FileInfo {
	info := FileInfo{
		URL:           origin.String(),
		FinalURL:      resp.Request.URL.String(),
		FileName:      result.FileName,
		MimeType:      result.MimeType,
		FileSize:      result.FileSize,
		AcceptsRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		Redirects:     s.tracker.Hops(),
	}
	if name := s.tracker.DispositionFilename(); name != "" {
		info.FileName = name
	}
	if mt := s.tracker.BestMimeType(); mt != "" {
		info.MimeType = mt
	}
	return info
}

func stream(ctx context.Context, src io.Reader, dst io.Writer, total int64, onProgress func(float64, int64)) (int64, error) {
	buf := make([]byte, 32<<10)
	var received int64
	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return received, fmt.Errorf("write body: %w", err)
			}
			received += int64(n)
			if onProgress != nil {
				fraction := 0.0
				if total > 0 {
					fraction = float64(received) / float64(total)
				}
				onProgress(fraction, received)
			}
		}
		if readErr == io.EOF {
			return received, nil
		}
		if readErr != nil {
			return received, readErr
		}
	}
}

// Resolver classifies URLs with a fresh Session per call, so it is safe
// for concurrent use.
type Resolver struct {
	cfg Config
}

func NewResolver(cfg Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve follows redirects and classifies the target without saving it.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (FileInfo, error) {
	return NewSession(r.cfg).Resolve(ctx, rawURL, Handlers{})
}
