package dispatch

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// ErrUnknownService is the only failure a Loader reports to callers; the
// underlying resolution error is logged.
var ErrUnknownService = errors.New("unknown service")

// ResolveFunc builds the dispatcher for a service name.
type ResolveFunc func(name string) (*Dispatcher, error)

// Loader memoizes service resolution. Failures are not cached so a service
// that comes online later can still be loaded.
type Loader struct {
	resolve ResolveFunc
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*Dispatcher
}

func NewLoader(resolve ResolveFunc, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		resolve: resolve,
		logger:  logger,
		cache:   make(map[string]*Dispatcher),
	}
}

func (l *Loader) Load(name string) (*Dispatcher, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrUnknownService
	}

	l.mu.Lock()
	d, ok := l.cache[name]
	l.mu.Unlock()
	if ok {
		return d, nil
	}

	d, err := l.resolve(name)
	if err != nil || d == nil {
		l.logger.Warn("service_load_failed", slog.String("service", name), slog.Any("err", err))
		return nil, ErrUnknownService
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.cache[name]; ok {
		return existing, nil
	}
	l.cache[name] = d
	return d, nil
}

// Forget drops a memoized service, for example after its engine was
// unmounted.
func (l *Loader) Forget(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, strings.TrimSpace(name))
}
