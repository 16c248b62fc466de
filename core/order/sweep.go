package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/irsalhamdi/storefront/database"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Sweeper cancels unpaid orders once their expiry passed. It goes through
// AppendStatus like every webhook does, so when a payment lands first the
// sweep loses with ErrInvalidTransition and leaves the order alone.
type Sweeper struct {
	db       *sqlx.DB
	log      logrus.FieldLogger
	interval time.Duration
	batch    int
	now      func() time.Time
	cancel   func(ctx context.Context, id string) error
}

func NewSweeper(db *sqlx.DB, log logrus.FieldLogger, interval time.Duration, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	s := &Sweeper{
		db:       db,
		log:      log,
		interval: interval,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.cancel = s.cancelOrder
	return s
}

func (s *Sweeper) cancelOrder(ctx context.Context, id string) error {
	return database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		_, err := Cancel(ctx, tx, id)
		return err
	})
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		if n, err := s.Sweep(ctx); err != nil {
			s.log.WithField("message", err).Error("sweeping expired orders")
		} else if n > 0 {
			s.log.WithField("cancelled", n).Info("swept expired orders")
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Sweep cancels one batch of expired orders and reports how many it closed.
// An order that fails to cancel is logged and skipped so it cannot hold up
// the rest of the batch. The failures are returned together.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := FetchExpired(ctx, s.db, s.now(), s.batch)
	if err != nil {
		return 0, err
	}

	var n int
	var errs *multierror.Error
	for _, id := range ids {
		err := s.cancel(ctx, id)

		switch {
		case errors.Is(err, ErrInvalidTransition):
			s.log.WithField("order_id", id).Debug("order settled before expiry sweep")
		case err != nil:
			s.log.WithFields(logrus.Fields{"order_id": id, "message": err}).Error("cancelling expired order")
			errs = multierror.Append(errs, fmt.Errorf("cancelling expired order[%s]: %w", id, err))
		default:
			n++
		}
	}

	return n, errs.ErrorOrNil()
}
