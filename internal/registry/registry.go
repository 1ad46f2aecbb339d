// Package registry implements the Backend Registry: the name -> Backend
// Session map, lazy-vs-eager spawn policy, and coordinated shutdown.
//
// Grounded on mcp-scooter/internal/domain/discovery/discovery.go's
// DiscoveryEngine (activeServers map, per-server Add/Remove under a single
// mutex), simplified down to the gateway's much narrower contract: a backend
// is either a configured child-process MCP server or it doesn't exist, there
// is no persisted catalogue and no WASM/auto-unload path.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaymcp/gateway/internal/backend"
	"github.com/relaymcp/gateway/internal/config"
	"github.com/relaymcp/gateway/internal/credentials"
	"github.com/relaymcp/gateway/internal/logging"
)

// entry tracks one configured backend's spawn state, guarded by its own
// mutex so spawning one backend never blocks lookups of another.
type entry struct {
	mu      sync.Mutex
	cfg     *config.BackendConfig
	session *backend.Session
}

// Registry owns every configured backend and lazily or eagerly spawns them.
type Registry struct {
	log   *logging.Logger
	creds *credentials.Provider

	mu      sync.RWMutex
	entries map[string]*entry
}

// New builds a Registry from cfg.Backends. No child process is spawned yet;
// call StartEager to spawn every backend marked eager, and Get to spawn
// lazy backends on first use.
func New(cfg *config.Config, creds *credentials.Provider, log *logging.Logger) *Registry {
	r := &Registry{log: log, creds: creds, entries: make(map[string]*entry, len(cfg.Backends))}
	for name, bc := range cfg.Backends {
		r.entries[name] = &entry{cfg: bc}
	}
	return r
}

// Names returns the configured backend names, sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartEager spawns every backend configured with eager: true, so the first
// use_tool call against them does not pay spawn latency. A failure to spawn
// one eager backend is logged and does not prevent the others from starting.
func (r *Registry) StartEager(ctx context.Context) {
	for _, name := range r.Names() {
		r.mu.RLock()
		e := r.entries[name]
		r.mu.RUnlock()
		if !e.cfg.Eager {
			continue
		}
		if _, err := r.Get(ctx, name); err != nil {
			r.log.Warn("eager spawn of backend %q failed: %v", name, err)
		}
	}
}

// Get returns a Ready session for name, spawning it on first use if it has
// not been started yet. Concurrent Get calls for the same backend block
// behind the single spawn; calls for different backends never block each
// other.
func (r *Registry) Get(ctx context.Context, name string) (*backend.Session, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown backend %q", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		switch e.session.State() {
		case backend.Ready:
			return e.session, nil
		case backend.Failed, backend.Terminated:
			// fall through and respawn
		default:
			return e.session, nil
		}
	}

	session, err := r.spawnLocked(ctx, name, e.cfg)
	if err != nil {
		return nil, err
	}
	e.session = session
	return session, nil
}

func (r *Registry) spawnLocked(ctx context.Context, name string, cfg *config.BackendConfig) (*backend.Session, error) {
	env, err := r.creds.Resolve(ctx, name, cfg)
	if err != nil {
		return nil, err
	}
	spawnCfg := *cfg
	spawnCfg.Env = env

	session := backend.New(name, &spawnCfg, r.log)
	if err := session.Spawn(ctx); err != nil {
		if cfg.OAuth != nil {
			r.log.Warn("backend %q failed to spawn, retrying once with a refreshed token", name)
			if freshToken, refreshErr := r.creds.Refresh(ctx, name, cfg.OAuth); refreshErr == nil {
				retryCfg := *cfg
				retryEnv := make(map[string]string, len(cfg.Env)+1)
				for k, v := range cfg.Env {
					retryEnv[k] = v
				}
				retryEnv[cfg.OAuth.EnvVar] = freshToken
				retryCfg.Env = retryEnv

				retrySession := backend.New(name, &retryCfg, r.log)
				if retryErr := retrySession.Spawn(ctx); retryErr == nil {
					return retrySession, nil
				}
			}
		}
		return nil, fmt.Errorf("registry: spawn backend %q: %w", name, err)
	}
	return session, nil
}

// Existing reports whether name is configured, without spawning it.
func (r *Registry) Existing(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Level returns the configured SecurityLevel of name, without spawning it.
// It is the BackendLevel resolver the Dispatcher hands to the Security
// Monitor on every use_tool call.
func (r *Registry) Level(name string) (config.SecurityLevel, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return e.cfg.Level, true
}

// Snapshot describes one configured backend: its name, security level, and
// current lifecycle state.
type Snapshot struct {
	Name  string
	Level config.SecurityLevel
	State backend.State
}

// Snapshots returns the current state of every configured backend without
// spawning any that have not already been started.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		e := r.entries[name]
		e.mu.Lock()
		st := backend.NotStarted
		if e.session != nil {
			st = e.session.State()
		}
		out = append(out, Snapshot{Name: name, Level: e.cfg.Level, State: st})
		e.mu.Unlock()
	}
	return out
}

// Shutdown terminates every spawned backend in parallel, bounded by grace.
func (r *Registry) Shutdown(ctx context.Context, grace time.Duration) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		e.mu.Lock()
		session := e.session
		e.mu.Unlock()
		if session == nil {
			continue
		}
		wg.Add(1)
		go func(s *backend.Session) {
			defer wg.Done()
			if err := s.Terminate(ctx, grace); err != nil {
				r.log.Warn("backend %q did not terminate cleanly: %v", s.Name(), err)
			}
		}(session)
	}
	wg.Wait()
}
