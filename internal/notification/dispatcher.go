package notification

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"trading-alerts/internal/model"
)

// Dispatcher sends every committed fire to every notifier. Notifiers run
// concurrently, each with its own timeout; a failing notifier only affects
// itself.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration

	// OnFailure is called with the notifier name after a failed send.
	OnFailure func(notifier string)
}

// NewDispatcher creates a dispatcher. timeout bounds each send.
func NewDispatcher(timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifiers: notifiers, timeout: timeout}
}

func (d *Dispatcher) Name() string { return "notify" }

// Deliver blocks until every notifier has finished with fires.
func (d *Dispatcher) Deliver(ctx context.Context, fires []model.Fire) {
	if len(fires) == 0 || len(d.notifiers) == 0 {
		return
	}
	msgs := make([]Message, len(fires))
	for i, f := range fires {
		msgs[i] = FromFire(f)
	}

	var g errgroup.Group
	for _, n := range d.notifiers {
		n := n
		g.Go(func() error {
			for _, m := range msgs {
				sctx, cancel := context.WithTimeout(ctx, d.timeout)
				err := n.Send(sctx, m)
				cancel()
				if err != nil {
					log.Printf("[notify] %s: %v", n.Name(), err)
					if d.OnFailure != nil {
						d.OnFailure(n.Name())
					}
				}
			}
			return nil
		})
	}
	g.Wait()
}
