package events

import (
	"context"
	"log"
	"time"

	"github.com/xtrntr/ratemarket/internal/models"
)

// Broadcaster tails the journal and hands new events to each publisher,
// advancing the publisher's cursor only after a successful publish. A failed
// publish is retried from the same cursor on the next tick.
type Broadcaster struct {
	journal    *Journal
	publishers []Publisher
	interval   time.Duration
	batch      int
}

func NewBroadcaster(journal *Journal, interval time.Duration, batch int, publishers ...Publisher) *Broadcaster {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if batch <= 0 {
		batch = 256
	}
	return &Broadcaster{journal: journal, publishers: publishers, interval: interval, batch: batch}
}

// Start runs the loop until ctx is done. The returned channel closes when the
// loop has exited.
func (b *Broadcaster) Start(ctx context.Context) <-chan struct{} {
	log.Printf("[broadcaster] started with %d publishers", len(b.publishers))

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[broadcaster] stopped")
				return
			case <-ticker.C:
				for _, p := range b.publishers {
					if _, err := b.PumpOnce(ctx, p); err != nil {
						log.Printf("[broadcaster] %s: %v", p.Name(), err)
					}
				}
			}
		}
	}()
	return done
}

// PumpOnce publishes the next batch for p and returns how many events went out.
func (b *Broadcaster) PumpOnce(ctx context.Context, p Publisher) (int, error) {
	cursor, err := b.journal.Cursor(p.Name())
	if err != nil {
		return 0, err
	}
	var pending []models.Event
	err = b.journal.ReadFrom(cursor, b.batch, func(e models.Event) error {
		pending = append(pending, e)
		return nil
	})
	if err != nil || len(pending) == 0 {
		return 0, err
	}
	if err := p.Publish(ctx, pending); err != nil {
		return 0, err
	}
	if err := b.journal.SetCursor(p.Name(), pending[len(pending)-1].Seq); err != nil {
		return 0, err
	}
	return len(pending), nil
}
