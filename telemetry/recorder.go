package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jarney/snackbot/core"
)

// Events handled by the Recorder.
const (
	// EventFlush makes the recorder persist the current stats window
	EventFlush = "Recorder-Flush"

	// EventStop flushes and shuts the recorder down
	EventStop = "Recorder-Stop"
)

// writeTimeout bounds one flush.
const writeTimeout = 10 * time.Second

// Recorder is a biote that periodically drains the manager's stats window
// into a Store. It performs blocking I/O and belongs on the blocking pool.
type Recorder struct {
	store    *Store
	interval time.Duration
	timer    core.TimerID
	log      logrus.FieldLogger
}

// NewRecorder creates a recorder flushing every interval.
func NewRecorder(store *Store, interval time.Duration) (*Recorder, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if interval <= 0 {
		return nil, fmt.Errorf("recorder interval %s: %w", interval, core.ErrInvalidDelay)
	}
	return &Recorder{store: store, interval: interval, log: logrus.StandardLogger()}, nil
}

// OnInit starts the flush timer.
func (r *Recorder) OnInit(ctx *core.Context, _ core.Event) error {
	r.log = ctx.Logger().WithFields(logrus.Fields{"component": "recorder", "driver": r.store.Driver()})
	ctx.Subscribe(EventFlush, func(ctx *core.Context, _ core.Event) error {
		return r.flush(ctx)
	})
	ctx.Subscribe(EventStop, func(ctx *core.Context, _ core.Event) error {
		ctx.Shutdown(true)
		return nil
	})
	r.timer = ctx.StartTimer(r.interval, core.NewSignal(EventFlush), true)
	r.log.WithField("interval", r.interval).Info("stats recorder started")
	return nil
}

// OnFinalize writes the last window.
func (r *Recorder) OnFinalize(ctx *core.Context, _ core.Event) error {
	ctx.CancelTimer(r.timer)
	return r.flush(ctx)
}

func (r *Recorder) flush(ctx *core.Context) error {
	stats := ctx.Manager().FlushStats()
	if len(stats) == 0 {
		return nil
	}

	dbCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	n, err := r.store.Insert(dbCtx, time.Now(), stats)
	if err != nil {
		return fmt.Errorf("record stats: %w", err)
	}
	r.log.WithField("rows", n).Debug("stats recorded")
	return nil
}
