package keycache

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const warmTimeout = 30 * time.Second

// Warmer refreshes a group of caches on a cron schedule so that request
// paths rarely see an expired set.
type Warmer struct {
	cron   *cron.Cron
	caches []*Cache
	log    logrus.FieldLogger
}

// NewWarmer schedules RunOnce. schedule accepts cron specs and descriptors
// such as "@every 5m".
func NewWarmer(schedule string, log logrus.FieldLogger, caches ...*Cache) (*Warmer, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	w := &Warmer{
		cron:   cron.New(),
		caches: caches,
		log:    log.WithField("component", "keycache.warmer"),
	}
	if _, err := w.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
		defer cancel()
		_ = w.RunOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("keycache: invalid warm schedule %q: %w", schedule, err)
	}
	return w, nil
}

func (w *Warmer) Start() { w.cron.Start() }

// Stop halts the schedule and waits for a running refresh to finish.
func (w *Warmer) Stop() {
	<-w.cron.Stop().Done()
}

// RunOnce refreshes every cache and returns the first error.
func (w *Warmer) RunOnce(ctx context.Context) error {
	var first error
	for _, c := range w.caches {
		if err := c.Refresh(ctx); err != nil {
			w.log.WithError(err).WithField("source", c.URL()).Warn("key warmup failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
