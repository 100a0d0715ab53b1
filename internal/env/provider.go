// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package env provides the string-key configuration provider consumed by the
// core components. Values are merged from registered provider callbacks (in
// registration order) with the process environment applied last, so the
// environment always wins. The provider never parses configuration files
// itself; collaborators inject key/value maps through callbacks.
package env

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tombee/foreman/internal/log"
)

// pathPrefix marks keys that name filesystem paths, e.g.
// FOREMAN_PATH_WORKSPACE=/srv/work registers the named path "workspace".
const pathPrefix = "FOREMAN_PATH_"

// Source is a named provider callback returning a key/value map.
type Source func() (map[string]string, error)

// Provider merges configuration from registered sources and the process
// environment. A failing source is logged and skipped; the remaining sources
// continue.
type Provider struct {
	logger *slog.Logger

	// mu guards sources, values, and watcher state
	mu      sync.RWMutex
	names   []string
	sources map[string]Source
	values  map[string]string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty provider.
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		logger:  log.WithComponent(logger, "env"),
		sources: make(map[string]Source),
		values:  make(map[string]string),
	}
}

// Register adds a named source. Sources are applied in registration order;
// re-registering a name replaces the callback but keeps its position.
func (p *Provider) Register(name string, source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sources[name]; !exists {
		p.names = append(p.names, name)
	}
	p.sources[name] = source
}

// Load rebuilds the merged view: each source in order, then the process
// environment on top. Source failures are logged; loading continues.
func (p *Provider) Load() {
	p.mu.Lock()
	defer p.mu.Unlock()

	merged := make(map[string]string)
	for _, name := range p.names {
		values, err := p.sources[name]()
		if err != nil {
			p.logger.Warn("config source failed, continuing", "source", name, "error", err)
			continue
		}
		for k, v := range values {
			merged[k] = v
		}
	}

	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}

	p.values = merged
}

// Get returns the value for key.
func (p *Provider) Get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// GetOr returns the value for key, or def when absent or empty.
func (p *Provider) GetOr(key, def string) string {
	if v, ok := p.Get(key); ok && v != "" {
		return v
	}
	return def
}

// Paths returns the named paths registered via FOREMAN_PATH_* keys, with
// names lowercased.
func (p *Provider) Paths() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	paths := make(map[string]string)
	for k, v := range p.values {
		if strings.HasPrefix(k, pathPrefix) {
			name := strings.ToLower(strings.TrimPrefix(k, pathPrefix))
			if name != "" {
				paths[name] = v
			}
		}
	}
	return paths
}

// Section returns all keys under a prefix (e.g. "AZREPO_") with the prefix
// stripped and the remainder lowercased, grouping domain-specific parameters.
func (p *Provider) Section(prefix string) map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	section := make(map[string]string)
	for k, v := range p.values {
		if strings.HasPrefix(k, prefix) {
			name := strings.ToLower(strings.TrimPrefix(k, prefix))
			if name != "" {
				section[name] = v
			}
		}
	}
	return section
}

// Watch reloads the provider whenever one of the given files changes.
// Typically used with the .env files whose contents a source callback
// injects. Stop with Close.
func (p *Provider) Watch(paths ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			p.logger.Warn("failed to watch config file", "path", path, "error", err)
		}
	}

	p.mu.Lock()
	p.watcher = watcher
	p.stopCh = make(chan struct{})
	stop := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					p.logger.Info("config file changed, reloading", "path", event.Name)
					p.Load()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (p *Provider) Close() {
	p.mu.Lock()
	watcher := p.watcher
	stop := p.stopCh
	p.watcher = nil
	p.stopCh = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if watcher != nil {
		watcher.Close()
	}
	p.wg.Wait()
}
