package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

// CanvasWriter is the durable side of an autosave.
type CanvasWriter interface {
	PutCanvas(ctx context.Context, room domain.RoomID, dataURL string) error
}

// Relay is the live side of an autosave.
type Relay interface {
	Send(m protocol.Message) error
}

type SaverOptions struct {
	Room       domain.RoomID
	Interval   time.Duration
	RetryDelay time.Duration
	Clock      clockwork.Clock
	// Source renders the current canvas as a data URL.
	Source func() (string, error)
}

// AutoSaver checkpoints the canvas at most once per Interval. Each save
// writes the durable store and relays SAVE_CANVAS in parallel. A failed
// durable write is retried once after RetryDelay and then dropped.
type AutoSaver struct {
	opts  SaverOptions
	store CanvasWriter
	relay Relay

	mu       sync.Mutex
	lastSave time.Time
	retry    clockwork.Timer
}

func NewAutoSaver(store CanvasWriter, relay Relay, opts SaverOptions) *AutoSaver {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &AutoSaver{opts: opts, store: store, relay: relay}
}

// Run saves on every tick that is at least Interval after the last
// successful save, until ctx is done.
func (a *AutoSaver) Run(ctx context.Context) {
	ticker := a.opts.Clock.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	defer a.stopRetry()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if a.due() {
				_ = a.Save(ctx)
			}
		}
	}
}

func (a *AutoSaver) due() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.Clock.Since(a.lastSave) >= a.opts.Interval
}

// Save runs one checkpoint now and schedules the single retry on failure.
func (a *AutoSaver) Save(ctx context.Context) error {
	err := a.save(ctx)
	if err == nil {
		return nil
	}
	log.Warn().Str("module", "client").Str("room", string(a.opts.Room)).Err(err).Msg("autosave failed, retrying once")

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retry == nil {
		a.retry = a.opts.Clock.AfterFunc(a.opts.RetryDelay, func() {
			a.mu.Lock()
			a.retry = nil
			a.mu.Unlock()
			if err := a.save(ctx); err != nil {
				log.Error().Str("module", "client").Str("room", string(a.opts.Room)).Err(err).Msg("autosave retry failed, dropped")
			}
		})
	}
	return err
}

func (a *AutoSaver) save(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	dataURL, err := a.opts.Source()
	if err != nil {
		return err
	}
	canvas, err := json.Marshal(dataURL)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		return a.store.PutCanvas(ctx, a.opts.Room, dataURL)
	})
	g.Go(func() error {
		// The relay is best effort, only the durable write decides success.
		if err := a.relay.Send(protocol.SaveCanvas{Canvas: canvas}); err != nil && !errors.Is(err, ErrNotConnected) {
			log.Warn().Str("module", "client").Err(err).Msg("relay SAVE_CANVAS")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	a.mu.Lock()
	a.lastSave = a.opts.Clock.Now()
	a.mu.Unlock()
	return nil
}

func (a *AutoSaver) stopRetry() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
}
