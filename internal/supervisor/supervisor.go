// Package supervisor keeps the workers of a running manager in line with a
// manifest.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ceetaro/Suitkaise-sub005/internal/config"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// WorkerManager is the part of processing.Manager the supervisor drives.
type WorkerManager interface {
	Register(key string, def processing.Definition, policy processing.Policy) (processing.StatusView, error)
	Status(key string) (processing.StatusView, bool)
	Terminate(key string, force bool) error
	Wait(ctx context.Context, key string) (processing.StatusView, error)
	Remove(key string) error
}

// Changes summarizes one Apply.
type Changes struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// Empty reports whether Apply changed nothing.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Options configures a Supervisor.
type Options struct {
	Manager  WorkerManager
	Registry *processing.Registry
	Logger   *slog.Logger
	// StopTimeout bounds a graceful stop before the worker is killed.
	// Defaults to ten seconds.
	StopTimeout time.Duration
}

// Supervisor registers the enabled workers of a manifest and stops workers
// that were removed, disabled, or changed. Changed workers are started again
// with the new spec.
type Supervisor struct {
	manager     WorkerManager
	registry    *processing.Registry
	logger      *slog.Logger
	stopTimeout time.Duration

	mu      sync.Mutex
	applied map[string]config.WorkerSpec
	order   []string
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Supervisor{
		manager:     opts.Manager,
		registry:    opts.Registry,
		logger:      opts.Logger,
		stopTimeout: opts.StopTimeout,
		applied:     make(map[string]config.WorkerSpec),
	}
}

// Apply brings the manager in line with m. Workers whose spec did not change
// are left alone, including ones that already finished. Failures of single
// workers are collected; the rest of the manifest is still applied.
func (s *Supervisor) Apply(ctx context.Context, m *config.Manifest) (Changes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[string]config.WorkerSpec)
	var desiredOrder []string
	for _, spec := range m.Enabled() {
		desired[spec.Key] = spec
		desiredOrder = append(desiredOrder, spec.Key)
	}

	var changes Changes
	var stop []string
	for _, key := range s.order {
		old := s.applied[key]
		spec, keep := desired[key]
		switch {
		case !keep:
			changes.Removed = append(changes.Removed, key)
			stop = append(stop, key)
		case !reflect.DeepEqual(old, spec):
			changes.Updated = append(changes.Updated, key)
			stop = append(stop, key)
		}
	}

	var errs []error
	failed, err := s.stopAll(ctx, stop)
	if err != nil {
		errs = append(errs, err)
	}
	for _, key := range stop {
		if !failed[key] {
			delete(s.applied, key)
		}
	}
	// A worker that could not be stopped keeps its old spec and is retried
	// on the next Apply.
	changes.Updated = without(changes.Updated, failed)
	changes.Removed = without(changes.Removed, failed)

	updated := make(map[string]bool, len(changes.Updated))
	for _, key := range changes.Updated {
		updated[key] = true
	}
	for _, key := range desiredOrder {
		if _, running := s.applied[key]; running {
			continue
		}
		spec := desired[key]
		if err := s.start(spec); err != nil {
			errs = append(errs, err)
			continue
		}
		s.applied[key] = spec
		if !updated[key] {
			changes.Added = append(changes.Added, key)
		}
	}

	order := make([]string, 0, len(s.applied))
	for _, key := range desiredOrder {
		if _, ok := s.applied[key]; ok {
			order = append(order, key)
		}
	}
	for _, key := range s.order {
		if _, ok := desired[key]; !ok && failed[key] {
			order = append(order, key)
		}
	}
	s.order = order

	if !changes.Empty() {
		s.logger.Info("Manifest applied",
			"added", len(changes.Added), "updated", len(changes.Updated), "removed", len(changes.Removed))
	}
	return changes, errors.Join(errs...)
}

// Keys returns the keys of the applied workers in manifest order.
func (s *Supervisor) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Supervisor) start(spec config.WorkerSpec) error {
	def, err := spec.Definition(s.registry)
	if err != nil {
		return err
	}
	policy, err := spec.Policy.Policy()
	if err != nil {
		return fmt.Errorf("worker %q: %w", spec.Key, err)
	}

	// A settled registration under the same key is replaced.
	if view, ok := s.manager.Status(spec.Key); ok && view.Done() {
		if err := s.manager.Remove(spec.Key); err != nil {
			return fmt.Errorf("worker %q: %w", spec.Key, err)
		}
	}

	view, err := s.manager.Register(spec.Key, def, policy)
	if err != nil {
		return err
	}
	s.logger.Info("Worker started", "key", spec.Key, "kind", spec.Kind, "pid", view.PID)
	return nil
}

// stopAll stops keys in parallel and forgets their registrations. It
// returns the keys that could not be stopped along with all their errors.
func (s *Supervisor) stopAll(ctx context.Context, keys []string) (map[string]bool, error) {
	var g errgroup.Group
	errs := make([]error, len(keys))
	for i, key := range keys {
		g.Go(func() error {
			errs[i] = s.stop(ctx, key)
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]bool)
	for i, err := range errs {
		if err != nil {
			failed[keys[i]] = true
		}
	}
	return failed, errors.Join(errs...)
}

func without(keys []string, drop map[string]bool) []string {
	if len(drop) == 0 {
		return keys
	}
	out := keys[:0]
	for _, key := range keys {
		if !drop[key] {
			out = append(out, key)
		}
	}
	return out
}

func (s *Supervisor) stop(ctx context.Context, key string) error {
	if _, ok := s.manager.Status(key); !ok {
		return nil
	}
	if err := s.manager.Terminate(key, false); err != nil {
		return fmt.Errorf("stop %q: %w", key, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	_, err := s.manager.Wait(waitCtx, key)
	cancel()
	if err != nil {
		s.logger.Warn("Worker did not stop in time, killing", "key", key, "timeout", s.stopTimeout)
		if err := s.manager.Terminate(key, true); err != nil {
			return fmt.Errorf("kill %q: %w", key, err)
		}
		if _, err := s.manager.Wait(ctx, key); err != nil {
			return fmt.Errorf("wait %q: %w", key, err)
		}
	}

	if err := s.manager.Remove(key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	s.logger.Info("Worker stopped", "key", key)
	return nil
}
