package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultConcurrency  = 4
)

// Lister lists the objects of a container created after a point in time.
type Lister interface {
	ListCreatedAfter(ctx context.Context, container string, since time.Time) ([]models.ObjectInfo, error)
}

// WatcherConfig tunes a Watcher.
type WatcherConfig struct {
	Container    string
	PollInterval time.Duration
	Concurrency  int
	// Since is the initial watermark; objects created at or before it are
	// never reported. Zero means the time the watcher starts.
	Since time.Time
}

// Watcher polls a container and hands every newly created object to a
// Listener. Use it where storage notifications are not delivered, such as
// local runs; the CloudEvent function is the notification-driven path.
type Watcher struct {
	lister   Lister
	listener *Listener
	config   WatcherConfig
	since    time.Time
}

func NewWatcher(lister Lister, listener *Listener, config WatcherConfig) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	since := config.Since
	if since.IsZero() {
		since = time.Now()
	}
	return &Watcher{lister: lister, listener: listener, config: config, since: since}
}

// Run sweeps until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	slog.Info("Watching container for new objects.", "container", w.config.Container, "interval", w.config.PollInterval.String(), "since", w.since)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil {
			slog.Error("Sweep failed", "container", w.config.Container, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep reports every object created since the last sweep and advances the
// watermark. It returns the number of objects handed to the listener.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	objects, err := w.lister.ListCreatedAfter(ctx, w.config.Container, w.since)
	if err != nil {
		return 0, fmt.Errorf("failed to list new objects: %w", err)
	}
	if len(objects) == 0 {
		return 0, nil
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(w.config.Concurrency)
	for _, obj := range objects {
		if obj.Created.After(w.since) {
			w.since = obj.Created
		}
		eg.Go(func() error {
			w.listener.OnNewObject(gctx, models.UploadEvent{
				ObjectID:      obj.Name,
				ContainerName: obj.Container,
				SizeBytes:     obj.SizeBytes,
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return len(objects), err
	}
	return len(objects), nil
}
