// Package redirect records the redirect chain of one fetch attempt and
// recovers the most specific file metadata seen along it.
package redirect

import (
	"mime"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"segmentd/internal/classify"
)

// DefaultMaxHops is the chain length past which a warning is logged.
const DefaultMaxHops = 10

// Hop is one recorded redirection.
type Hop struct {
	From       *url.URL
	To         *url.URL
	StatusCode int
	Header     http.Header
	Ordinal    int
}

// IsPermanent reports whether the hop used a permanent redirect status.
func (h Hop) IsPermanent() bool {
	return h.StatusCode == http.StatusMovedPermanently || h.StatusCode == http.StatusPermanentRedirect
}

// Tracker is safe for concurrent use, though one fetch attempt normally owns it.
type Tracker struct {
	maxHops int
	logger  *logrus.Logger

	mu     sync.Mutex
	origin *url.URL
	hops   []Hop
	warned bool
}

func NewTracker(maxHops int, logger *logrus.Logger) *Tracker {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Tracker{maxHops: maxHops, logger: logger}
}

// Reset discards the chain.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.origin = nil
	t.hops = nil
	t.warned = false
}

// Start resets the chain and remembers the originally requested URL.
func (t *Tracker) Start(origin *url.URL) {
	t.Reset()
	t.mu.Lock()
	t.origin = origin
	t.mu.Unlock()
}

// RecordRedirect appends a hop. Exceeding the configured maximum only logs.
func (t *Tracker) RecordRedirect(from, to *url.URL, header http.Header, statusCode int) Hop {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.origin == nil && len(t.hops) == 0 {
		t.origin = from
	}
	hop := Hop{
		From:       from,
		To:         to,
		StatusCode: statusCode,
		Header:     header.Clone(),
		Ordinal:    len(t.hops) + 1,
	}
	t.hops = append(t.hops, hop)

	if len(t.hops) > t.maxHops && !t.warned {
		t.warned = true
		t.logger.WithFields(logrus.Fields{
			"hops": len(t.hops),
			"max":  t.maxHops,
			"to":   to.String(),
		}).Warn("redirect chain exceeds limit")
	}
	return hop
}

// FinalURL is the destination of the last hop, or the origin when there were none.
func (t *Tracker) FinalURL() *url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.hops); n > 0 {
		return t.hops[n-1].To
	}
	return t.origin
}

// ChainLength is the number of recorded hops.
func (t *Tracker) ChainLength() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hops)
}

// Hops returns a copy of the chain.
func (t *Tracker) Hops() []Hop {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Hop, len(t.hops))
	copy(out, t.hops)
	return out
}

// DispositionFilename is the Content-Disposition file name of the latest hop
// that carried one, or "".
func (t *Tracker) DispositionFilename() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispositionFilename()
}

func (t *Tracker) dispositionFilename() string {
	for i := len(t.hops) - 1; i >= 0; i-- {
		if name := classify.FilenameFromDisposition(t.hops[i].Header.Get("Content-Disposition")); name != "" {
			return name
		}
	}
	return ""
}

// BestFilename scans hops from the last backwards for a Content-Disposition
// file name and falls back to the final URL's last path segment.
func (t *Tracker) BestFilename() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name := t.dispositionFilename(); name != "" {
		return name
	}
	final := t.origin
	if n := len(t.hops); n > 0 {
		final = t.hops[n-1].To
	}
	return classify.FilenameFromURL(final)
}

// BestMimeType scans hops from the last backwards for a specific media type.
// Page and generic binary types on redirect responses are ignored.
func (t *Tracker) BestMimeType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.hops) - 1; i >= 0; i-- {
		ct := t.hops[i].Header.Get("Content-Type")
		if ct == "" {
			continue
		}
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			continue
		}
		switch mt {
		case "text/html", "text/plain", "application/octet-stream":
			continue
		}
		return mt
	}
	return ""
}
