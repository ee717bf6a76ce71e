package source

import (
	"fmt"
	"sync"

	"github.com/openchatalytics/chatalytics/internal/config"
)

// Registry owns exactly one long-lived ChatSource per backend kind.
// Backends hold expensive authenticated clients, so instances are
// constructed lazily on first request and reused for the process
// lifetime.
type Registry struct {
	cfg *config.Config

	mu      sync.Mutex
	sources map[BackendKind]ChatSource
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:     cfg,
		sources: make(map[BackendKind]ChatSource),
	}
}

// Validate fails fast on an unknown backend discriminator so a bad
// configuration surfaces at startup, never mid-stream.
func (r *Registry) Validate(kind BackendKind) error {
	switch kind {
	case BackendHipChat, BackendSlack, BackendSlackBackfill, BackendLocalTest:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedBackend, kind)
	}
}

// Source returns the shared ChatSource for kind, constructing it on
// first use.
func (r *Registry) Source(kind BackendKind) (ChatSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sources[kind]; ok {
		return s, nil
	}

	var (
		s   ChatSource
		err error
	)
	switch kind {
	case BackendHipChat:
		s, err = NewHipChatSource(r.cfg.HipChat)
	case BackendSlack:
		s, err = NewSlackSource(r.cfg.Slack)
	case BackendSlackBackfill:
		s, err = NewSlackBackfillSource(r.cfg.Slack)
	case BackendLocalTest:
		s = NewLocalTestSource(r.cfg.LocalTest)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s source: %w", kind, err)
	}

	r.sources[kind] = s
	return s, nil
}
