package script

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// cacheTTL is how long a cached source stays valid.
const cacheTTL = 24 * time.Hour

// maxSourceSize bounds a fetched source file (8 MB).
const maxSourceSize = 8 << 20

// FetchError reports that both the primary and fallback URLs were
// exhausted.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options configures a Loader.
type Options struct {
	PrimaryURL  string
	FallbackURL string
	CacheDir    string
	AllowCache  bool
	// AllowInsecure retries a URL over plain HTTP after a
	// transport-security failure.
	AllowInsecure bool
	Client        *http.Client
	OnError       func(error)
}

// Loader fetches one remote source file, caches it for 24 hours, and
// evaluates short extraction expressions against it. The loaded source
// is data to the evaluator: expressions cannot reach files, the
// environment, or the network.
type Loader struct {
	opts   Options
	client *http.Client

	ready chan struct{}

	mu     sync.Mutex
	source string
	err    error
	done   bool
}

// New validates opts and starts loading in the background. Ready() is
// closed when the source is available (or the load has failed; check
// Err).
func New(opts Options) (*Loader, error) {
	u, err := url.Parse(opts.PrimaryURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("script: primary URL %q must be http or https", opts.PrimaryURL)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	l := &Loader{
		opts:   opts,
		client: client,
		ready:  make(chan struct{}),
	}
	go l.load()
	return l, nil
}

// Ready is closed once loading has finished, successfully or not.
func (l *Loader) Ready() <-chan struct{} { return l.ready }

// Err returns the latched load error, if any.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Terminate releases the loaded source and evaluation environment.
// Execute after Terminate reports an error value.
func (l *Loader) Terminate() {
	l.mu.Lock()
	l.source = ""
	l.done = true
	l.mu.Unlock()
}

func (l *Loader) load() {
	defer close(l.ready)

	if src, ok := l.readCache(); ok {
		l.setSource(src)
		return
	}

	src, err := l.fetchWithFallback()
	if err != nil {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		if l.opts.OnError != nil {
			l.opts.OnError(err)
		}
		return
	}
	src = minify(src)
	l.writeCache(src)
	l.setSource(src)
}

func (l *Loader) setSource(src string) {
	l.mu.Lock()
	l.source = src
	l.mu.Unlock()
}

// fetchWithFallback tries the primary URL, then the fallback exactly
// once. Each URL gets one insecure downgrade retry when enabled.
func (l *Loader) fetchWithFallback() (string, error) {
	src, err := l.fetchURL(l.opts.PrimaryURL)
	if err == nil {
		return src, nil
	}
	slog.Warn("script: primary fetch failed", "url", l.opts.PrimaryURL, "err", err)
	if l.opts.FallbackURL == "" {
		return "", &FetchError{URL: l.opts.PrimaryURL, Err: err}
	}
	src, err = l.fetchURL(l.opts.FallbackURL)
	if err != nil {
		return "", &FetchError{URL: l.opts.FallbackURL, Err: err}
	}
	return src, nil
}

// fetchURL performs one GET, retrying over plain HTTP on a
// transport-security failure when AllowInsecure is set.
func (l *Loader) fetchURL(rawURL string) (string, error) {
	src, err := l.get(rawURL)
	if err == nil {
		return src, nil
	}
	if l.opts.AllowInsecure && isTLSError(err) && strings.HasPrefix(rawURL, "https://") {
		downgraded := "http://" + strings.TrimPrefix(rawURL, "https://")
		slog.Warn("script: retrying insecure", "url", downgraded)
		return l.get(downgraded)
	}
	return "", err
}

func (l *Loader) get(rawURL string) (string, error) {
	resp, err := l.client.Get(rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceSize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func isTLSError(err error) bool {
	var (
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		authErr    x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	if errors.As(err, &recordErr) || errors.As(err, &verifyErr) ||
		errors.As(err, &authErr) || errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls:")
}

// cachePath derives the cache file name from the primary URL.
func (l *Loader) cachePath() string {
	sum := sha256.Sum256([]byte(l.opts.PrimaryURL))
	return filepath.Join(l.opts.CacheDir, hex.EncodeToString(sum[:8])+".src")
}

// readCache returns the cached source when the cache is enabled, present
// and fresh. A cache whose timestamp line does not parse is deleted so
// the next load refetches.
func (l *Loader) readCache() (string, bool) {
	if !l.opts.AllowCache || l.opts.CacheDir == "" {
		return "", false
	}
	path := l.cachePath()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	line, src, found := strings.Cut(string(data), "\n")
	if !found {
		l.dropCache(path, "missing source line")
		return "", false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		l.dropCache(path, "invalid timestamp")
		return "", false
	}
	if time.Since(time.UnixMilli(ms)) >= cacheTTL {
		return "", false
	}
	return strings.TrimSuffix(src, "\n"), true
}

func (l *Loader) dropCache(path, reason string) {
	slog.Warn("script: corrupt cache", "path", path, "reason", reason)
	_ = os.Remove(path)
}

func (l *Loader) writeCache(src string) {
	if !l.opts.AllowCache || l.opts.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(l.opts.CacheDir, 0o755); err != nil {
		slog.Warn("script: cache dir", "err", err)
		return
	}
	content := strconv.FormatInt(time.Now().UnixMilli(), 10) + "\n" + src
	if err := os.WriteFile(l.cachePath(), []byte(content), 0o644); err != nil {
		slog.Warn("script: cache write", "err", err)
	}
}

// minify collapses the source onto a single line so it fits the cache
// format.
func minify(src string) string {
	return strings.Join(strings.Fields(src), " ")
}
