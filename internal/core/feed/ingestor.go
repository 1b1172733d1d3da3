package feed

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/bus"
	"github.com/LeJamon/goOPRd/internal/core/model"
	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/logging"
	"github.com/LeJamon/goOPRd/internal/storage"
)

// Defaults of the ingest loop.
const (
	DefaultPollInterval   = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultBackoffBase    = 10 * time.Second
)

// backoffJitter is the relative jitter applied around the backoff base.
const backoffJitter = 0.2

// Backoff returns how long to wait after failureCount consecutive
// failures.
type Backoff func(failureCount int) time.Duration

// DefaultBackoff returns a fixed base delay with ±20% jitter.
func DefaultBackoff(base time.Duration) Backoff {
	return func(failureCount int) time.Duration {
		jitter := 1 + backoffJitter*(2*rand.Float64()-1)
		return time.Duration(float64(base) * jitter)
	}
}

// errRoundSkipped marks a round that found nothing to do.
var errRoundSkipped = errors.New("ingest round skipped")

// roundFailure wraps a producer or update error so the transaction rolls
// back before the backoff metadata is written.
type roundFailure struct {
	cause error
}

func (f *roundFailure) Error() string {
	return f.cause.Error()
}

func (f *roundFailure) Unwrap() error {
	return f.cause
}

// Config assembles an Ingestor.
type Config struct {
	// Storage opens the ingest transactions. Required.
	Storage storage.Storage
	// Model applies producer updates. Required.
	Model *model.Model
	// Producers to poll.
	Producers []Producer
	// PollInterval between loop ticks. Defaults to 10s.
	PollInterval time.Duration
	// RequestTimeout bounds one producer run. Defaults to 30s.
	RequestTimeout time.Duration
	// Backoff after failed runs. Defaults to 10s ± 20%.
	Backoff Backoff
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Logger defaults to the standard logger.
	Logger logging.Logger
}

// Ingestor polls every configured producer and applies its updates
// through the offer model.
type Ingestor struct {
	store     storage.Storage
	mdl       *model.Model
	producers []Producer
	interval  time.Duration
	timeout   time.Duration
	backoff   Backoff
	clk       clock.Clock
	logger    logging.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewIngestor validates cfg and returns the ingestor.
func NewIngestor(cfg Config) (*Ingestor, error) {
	if cfg.Storage == nil {
		return nil, status.New(status.CodeConfig, "ingestor has no storage")
	}
	if cfg.Model == nil {
		return nil, status.New(status.CodeConfig, "ingestor has no model")
	}
	ing := &Ingestor{
		store:     cfg.Storage,
		mdl:       cfg.Model,
		producers: cfg.Producers,
		interval:  cfg.PollInterval,
		timeout:   cfg.RequestTimeout,
		backoff:   cfg.Backoff,
		clk:       cfg.Clock,
		logger:    cfg.Logger,
	}
	if ing.interval <= 0 {
		ing.interval = DefaultPollInterval
	}
	if ing.timeout <= 0 {
		ing.timeout = DefaultRequestTimeout
	}
	if ing.backoff == nil {
		ing.backoff = DefaultBackoff(DefaultBackoffBase)
	}
	if ing.clk == nil {
		ing.clk = clock.NewSystemClock()
	}
	if ing.logger == nil {
		ing.logger = logging.NewDefaultLogger()
	}
	return ing, nil
}

// Start launches one polling loop per producer. It returns immediately;
// Stop ends the loops.
func (ing *Ingestor) Start() {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.started {
		return
	}
	ing.started = true
	ing.stopCh = make(chan struct{})
	ing.doneCh = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range ing.producers {
		p := p
		g.Go(func() error {
			ing.pollLoop(ctx, p)
			return nil
		})
	}
	go func() {
		<-ing.stopCh
		cancel()
	}()
	go func() {
		g.Wait()
		cancel()
		close(ing.doneCh)
	}()
}

// Stop ends the polling loops and waits for them to finish.
func (ing *Ingestor) Stop() {
	ing.mu.Lock()
	if !ing.started {
		ing.mu.Unlock()
		return
	}
	ing.started = false
	stopCh, doneCh := ing.stopCh, ing.doneCh
	ing.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (ing *Ingestor) pollLoop(ctx context.Context, p Producer) {
	ticker := time.NewTicker(ing.interval)
	defer ticker.Stop()
	for {
		if err := ing.RunOnce(ctx, p); err != nil && !errors.Is(err, errRoundSkipped) {
			ing.logger.Error("ingest round for %s failed: %v", p.Org(), err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one ingest round for p: take the producer's advisory
// lock, skip when another node holds it or the next run is not due, run
// the producer with a timeout, apply the update and schedule the next
// run. Failed runs roll back and push the next run out by the backoff.
func (ing *Ingestor) RunOnce(ctx context.Context, p Producer) error {
	now := ing.clk.Now()
	var changes []bus.Change
	err := ing.store.RunTransaction(ctx, ing.mdl.HostOrgURL(), storage.TxReadWrite,
		func(ctx context.Context, tx storage.Tx) error {
			md, err := tx.GetOfferProducerMetadata(ctx, p.Org())
			if err != nil {
				if !storage.IsNotFound(err) {
					return err
				}
				md = &storage.ProducerMetadata{OrganizationURL: p.Org()}
			}
			if md.NextRunUTC > now {
				return errRoundSkipped
			}

			runCtx, cancel := context.WithTimeout(ctx, ing.timeout)
			defer cancel()
			var last *int64
			if md.LastUpdateUTC > 0 {
				t := md.LastUpdateUTC
				last = &t
			}
			update, err := p.Produce(runCtx, ProduceRequest{LastUpdateUTC: last})
			if err != nil {
				return &roundFailure{cause: err}
			}
			changes, err = ing.mdl.UpdateInTx(ctx, tx, p.Org(), update)
			if err != nil {
				return &roundFailure{cause: err}
			}

			next := now + ing.interval.Milliseconds()
			if update.EarliestNextRequestUTC != nil && *update.EarliestNextRequestUTC > next {
				next = *update.EarliestNextRequestUTC
			}
			// LastUpdateUTC is the diff basis of the next run, so it must be
			// the producer's own response timestamp and must only move when
			// this transaction commits.
			lastUpdate := update.UpdateCurrentAsOfTimestampUTC
			if lastUpdate == 0 {
				lastUpdate = now
			}
			return tx.WriteOfferProducerMetadata(ctx, storage.ProducerMetadata{
				OrganizationURL: p.Org(),
				NextRunUTC:      next,
				LastUpdateUTC:   lastUpdate,
			})
		})
	if err == nil {
		ing.mdl.PublishChanges(ctx, changes)
		return nil
	}
	if errors.Is(err, errRoundSkipped) {
		return errRoundSkipped
	}
	if storage.IsProducerLocked(err) {
		// Another instance is ingesting this producer right now.
		ing.logger.Debug("producer %s is locked, skipping round", p.Org())
		return errRoundSkipped
	}

	var failure *roundFailure
	if errors.As(err, &failure) {
		ing.recordFailure(ctx, p.Org(), now, failure.cause)
		return failure.cause
	}
	return err
}

// RunAll performs one ingest round for every configured producer and
// returns the first failure. Skipped rounds are not failures.
func (ing *Ingestor) RunAll(ctx context.Context) error {
	var first error
	for _, p := range ing.producers {
		if err := ing.RunOnce(ctx, p); err != nil && !errors.Is(err, errRoundSkipped) && first == nil {
			first = err
		}
	}
	return first
}

// recordFailure pushes the producer's next run out by the backoff. The
// failed round has already rolled back, so this runs in its own
// transaction.
func (ing *Ingestor) recordFailure(ctx context.Context, orgURL string, now int64, cause error) {
	err := ing.store.RunTransaction(ctx, ing.mdl.HostOrgURL(), storage.TxReadWrite,
		func(ctx context.Context, tx storage.Tx) error {
			md, err := tx.GetOfferProducerMetadata(ctx, orgURL)
			if err != nil {
				if !storage.IsNotFound(err) {
					return err
				}
				md = &storage.ProducerMetadata{OrganizationURL: orgURL}
			}
			// Only the schedule moves; LastUpdateUTC stays at the last
			// committed run so the failed window is requested again.
			md.FailureCount++
			md.NextRunUTC = now + ing.backoff(md.FailureCount).Milliseconds()
			return tx.WriteOfferProducerMetadata(ctx, *md)
		})
	if err != nil {
		ing.logger.Error("recording ingest failure for %s: %v (original: %v)",
			orgURL, err, cause)
	}
}
