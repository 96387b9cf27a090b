package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

// MultiStorageBackend implements interfaces.StorageBackend on top of several
// backends. Reads fall back across backends in order, writes go to every
// available backend.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns the artifact from the first backend that has it. When no
// backend failed for any other reason than a missing artifact the result
// is ErrContentNotFound.
func (m *MultiStorageBackend) Fetch(ctx context.Context, key interfaces.ArtifactKey) ([]byte, error) {
	start := time.Now()
	var errs *multierror.Error
	notFound := true

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key.Path()))
			notFound = false
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, key)
		if err == nil {
			m.log.Debug("Fetched artifact",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key.Path()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if !errors.Is(err, interfaces.ErrContentNotFound) {
			notFound = false
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", key.Path()),
			"err", err)
	}

	if notFound {
		return nil, interfaces.ErrContentNotFound
	}

	m.log.Error("All backends failed to fetch artifact",
		slog.String("key", key.Path()),
		slog.Int("failed_backends", errs.Len()),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("all backends failed to fetch %s: %w", key.Path(), errs.ErrorOrNil())
}

// Store saves data to all available backends. It succeeds if at least one
// backend accepted the write.
func (m *MultiStorageBackend) Store(ctx context.Context, key interfaces.ArtifactKey, data []byte) error {
	start := time.Now()
	var errs *multierror.Error
	stored := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Store(ctx, key, data); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key.Path()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store artifact",
			slog.String("key", key.Path()),
			slog.Int("failed_backends", errs.Len()),
			slog.Duration("duration", time.Since(start)))
		if errs.ErrorOrNil() == nil {
			return fmt.Errorf("%w: no backend available to store %s", interfaces.ErrBackendUnavailable, key.Path())
		}
		return fmt.Errorf("all backends failed to store %s: %w", key.Path(), errs.ErrorOrNil())
	}

	m.log.Debug("Stored artifact",
		slog.String("key", key.Path()),
		slog.Int("backends", stored),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Delete removes the artifact from every backend. Any backend that could
// not be reached or failed to delete makes the call fail, since a copy may
// survive there.
func (m *MultiStorageBackend) Delete(ctx context.Context, key interfaces.ArtifactKey) error {
	var errs *multierror.Error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}
		if err := backend.Delete(ctx, key); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the URI of this backend
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
