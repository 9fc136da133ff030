package httpapi

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pixsim/server/internal/asm"
	"pixsim/server/internal/convert"
)

// controllerCache compiles PixSimAssembly controller scripts lazily and
// memoizes the per-dialect emissions. A script that fails to compile is
// logged once and simply not served.
type controllerCache struct {
	dir string

	mu       sync.Mutex
	programs map[string]*asm.Program
	emitted  map[string]string // path|format → text
	failed   map[string]bool
}

func newControllerCache(dir string) *controllerCache {
	return &controllerCache{
		dir:      dir,
		programs: make(map[string]*asm.Program),
		emitted:  make(map[string]string),
		failed:   make(map[string]bool),
	}
}

func (cc *controllerCache) get(path, format string, conv *convert.Converter) (string, bool) {
	if !conv.Known(format) {
		return "", false
	}
	rel := filepath.Clean("/" + path)[1:] // confine lookups to the dir
	if rel == "" || strings.HasPrefix(rel, "..") {
		return "", false
	}
	key := rel + "|" + format

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if text, ok := cc.emitted[key]; ok {
		return text, true
	}
	if cc.failed[rel] {
		return "", false
	}

	prog, ok := cc.programs[rel]
	if !ok {
		src, err := os.ReadFile(filepath.Join(cc.dir, rel))
		if err != nil {
			return "", false
		}
		prog, err = asm.Compile(string(src))
		if err != nil {
			slog.Warn("controller compile failed", "path", rel, "err", err)
			cc.failed[rel] = true
			return "", false
		}
		cc.programs[rel] = prog
	}

	text, err := prog.Emit(func(literal string) (string, bool) {
		canonical, ok := conv.CanonicalOf(literal, convert.Standard)
		if !ok {
			return "", false
		}
		return conv.StringID(format, canonical)
	})
	if err != nil {
		slog.Warn("controller emit failed", "path", rel, "format", format, "err", err)
		return "", false
	}
	cc.emitted[key] = text
	return text, true
}
