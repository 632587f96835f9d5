// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jllopis/careflow/pkg/errors"
)

// Catalog resolves workflow ids to definitions. It is safe for concurrent use.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewCatalog creates a catalog holding defs.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]*Definition)}
	for _, d := range defs {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register validates def and stores it under def.ID, replacing any previous one.
func (c *Catalog) Register(def *Definition) error {
	if def == nil || def.ID == "" {
		return errors.New(errors.CodeInvalidWorkflow, "workflow id is required", nil)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.defs[def.ID] = def
	c.mu.Unlock()
	return nil
}

// Get returns the definition registered under id.
func (c *Catalog) Get(id string) (*Definition, error) {
	c.mu.RLock()
	def, ok := c.defs[id]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "workflow not found: %s", id).
			WithContext("workflow", id)
	}
	return def, nil
}

// List returns every definition ordered by id.
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	out := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir replaces the catalog contents with every definition file in dir.
// Nothing changes when any file fails to load.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	defs := make(map[string]*Definition)
	for _, e := range entries {
		if e.IsDir() || !IsDefinitionFile(e.Name()) {
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if _, dup := defs[def.ID]; dup {
			return errors.Newf(errors.CodeInvalidWorkflow, "duplicate workflow id %s in %s", def.ID, dir)
		}
		defs[def.ID] = def
	}
	c.mu.Lock()
	c.defs = defs
	c.mu.Unlock()
	return nil
}

// Watch reloads dir whenever a definition file changes, until ctx is done.
// A failed reload is logged and the previous definitions stay in place.
func (c *Catalog) Watch(ctx context.Context, dir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		const settle = 100 * time.Millisecond
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !IsDefinitionFile(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					pending = time.After(settle)
				}
			case <-pending:
				pending = nil
				if err := c.LoadDir(dir); err != nil {
					logger.Warn("catalog.reload", "dir", dir, "error", err)
					continue
				}
				logger.Info("catalog.reload", "dir", dir, "workflows", len(c.List()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("catalog.watch", "dir", dir, "error", err)
			}
		}
	}()
	return nil
}
