// Package probe inspects a server with a lightweight request and advises how
// many parallel connections a download should use.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxThreads is the hard ceiling on connections per download.
const MaxThreads = 64

const defaultTimeout = 10 * time.Second

type ServerClass string

const (
	ClassStandard ServerClass = "standard"
	ClassCDN      ServerClass = "cdn"
	ClassLimited  ServerClass = "limited"
	ClassUnknown  ServerClass = "unknown"
)

// Profile is the outcome of a capability probe.
type Profile struct {
	SupportsRanges     bool        `json:"supports_ranges"`
	MaxConnections     int         `json:"max_connections"`
	RecommendedThreads int         `json:"recommended_threads"`
	Class              ServerClass `json:"server_class"`
	ContentLength      int64       `json:"content_length"`
}

var classLimits = map[ServerClass]struct{ maxConn, recommended int }{
	ClassCDN:      {maxConn: 64, recommended: 32},
	ClassStandard: {maxConn: 32, recommended: 16},
	ClassLimited:  {maxConn: 16, recommended: 8},
	ClassUnknown:  {maxConn: 24, recommended: 12},
}

// fallbackProfile is used when the server cannot be reached.
var fallbackProfile = Profile{MaxConnections: 1, RecommendedThreads: 1, Class: ClassUnknown}

type Config struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	Logger    *logrus.Logger
}

type Advisor struct {
	cfg Config
}

func NewAdvisor(cfg Config) *Advisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Advisor{cfg: cfg}
}

// CheckServerCapabilities sends a HEAD request, falling back to a one byte
// ranged GET when HEAD is refused. Unreachable servers yield a single
// connection profile.
func (a *Advisor) CheckServerCapabilities(ctx context.Context, rawURL string) Profile {
	logger := a.cfg.Logger.WithField("url", rawURL)

	resp, err := a.request(ctx, http.MethodHead, rawURL)
	if err != nil || resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		if err != nil {
			logger.Debugf("head probe failed: %v", err)
		}
		resp, err = a.request(ctx, http.MethodGet, rawURL)
		if err != nil {
			logger.Warnf("capability probe failed: %v", err)
			return fallbackProfile
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		logger.Warnf("capability probe returned status %d", resp.StatusCode)
		return fallbackProfile
	}
	profile := Analyze(resp.StatusCode, resp.Header)
	if resp.ContentLength > 0 && resp.StatusCode != http.StatusPartialContent {
		profile.ContentLength = resp.ContentLength
	} else if total := totalFromContentRange(resp.Header.Get("Content-Range")); total > 0 {
		profile.ContentLength = total
	}
	logger.WithFields(logrus.Fields{
		"class":       profile.Class,
		"ranges":      profile.SupportsRanges,
		"recommended": profile.RecommendedThreads,
	}).Debug("server capabilities")
	return profile
}

func (a *Advisor) request(ctx context.Context, method, rawURL string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}
	resp, err := a.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	resp.Body.Close()
	return resp, nil
}

// Analyze builds a profile from probe response headers.
func Analyze(status int, h http.Header) Profile {
	ranges := strings.EqualFold(strings.TrimSpace(h.Get("Accept-Ranges")), "bytes") ||
		status == http.StatusPartialContent
	class := DetectClass(h)

	maxConn := classLimits[class].maxConn
	if v, err := strconv.Atoi(strings.TrimSpace(h.Get("X-Max-Connections"))); err == nil && v > 0 {
		maxConn = min(v, MaxThreads)
	}

	recommended := 1
	if ranges {
		recommended = min(classLimits[class].recommended, maxConn)
	}
	return Profile{
		SupportsRanges:     ranges,
		MaxConnections:     maxConn,
		RecommendedThreads: recommended,
		Class:              class,
	}
}

// DetectClass classifies the server from CDN and rate limit headers.
func DetectClass(h http.Header) ServerClass {
	server := strings.ToLower(h.Get("Server"))
	switch {
	case h.Get("CF-Ray") != "" || strings.Contains(server, "cloudflare"):
		return ClassCDN
	case h.Get("X-Amz-Cf-Id") != "" || strings.Contains(server, "cloudfront"):
		return ClassCDN
	case h.Get("X-Served-By") != "" && strings.Contains(server, "fastly"):
		return ClassCDN
	case h.Get("X-RateLimit-Limit") != "" || h.Get("X-Rate-Limit-Limit") != "" || h.Get("Retry-After") != "":
		return ClassLimited
	}
	return ClassStandard
}

// ValidateThreadCount clamps a requested connection count to what the server
// profile allows. The warning is empty when the request is used unchanged.
func ValidateThreadCount(requested int, p Profile) (int, string) {
	if !p.SupportsRanges {
		return 1, "Server doesn't support multi-threaded downloads. Using single connection."
	}
	maxConn := min(p.MaxConnections, MaxThreads)
	if maxConn < 1 {
		maxConn = 1
	}
	recommended := min(max(p.RecommendedThreads, 1), maxConn)
	if requested <= 0 {
		return recommended, ""
	}
	if requested > maxConn {
		return recommended, fmt.Sprintf("Server supports maximum %d connections. Using %d threads.", maxConn, recommended)
	}
	return requested, ""
}

// CalculateOptimalChunks scales the split count with the file size. Unknown
// sizes get a middle value.
func CalculateOptimalChunks(fileSize int64) int {
	const mib = 1 << 20
	switch {
	case fileSize <= 0:
		return 16
	case fileSize < 10*mib:
		return 4
	case fileSize < 50*mib:
		return 8
	case fileSize < 100*mib:
		return 16
	case fileSize < 500*mib:
		return 24
	default:
		return 32
	}
}

// AutoThreadCount combines the server profile with the size table.
func AutoThreadCount(p Profile, fileSize int64) int {
	threads, _ := ValidateThreadCount(0, p)
	return min(threads, CalculateOptimalChunks(fileSize))
}

func totalFromContentRange(v string) int64 {
	idx := strings.LastIndex(v, "/")
	if idx < 0 || idx == len(v)-1 {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[idx+1:]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
