// Package orchestrator owns startup recovery, the main scan-batch-enqueue
// polling loop, shutdown signal handling, and the lifecycle of every other
// component.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kopilin/inboxsink/internal/batch"
	"github.com/kopilin/inboxsink/internal/config"
	"github.com/kopilin/inboxsink/internal/health"
	"github.com/kopilin/inboxsink/internal/ledger"
	"github.com/kopilin/inboxsink/internal/message"
	"github.com/kopilin/inboxsink/internal/queue"
	"github.com/kopilin/inboxsink/internal/stager"
	"github.com/kopilin/inboxsink/internal/vectorsink"
	"github.com/kopilin/inboxsink/internal/worker"
	"github.com/rs/zerolog"
)

// healthProbeInterval and healthProbeTimeout size the background checkers
// bound to the ledger and vector sink. They are fixed here and are not
// read from config.
const (
	healthProbeInterval = 15 * time.Second
	healthProbeTimeout  = 2 * time.Second
)

// Orchestrator wires the stager, ledger, vector sink, queue, and worker
// pool together and runs the poll loop.
type Orchestrator struct {
	cfg       *config.Config
	log       zerolog.Logger
	st        *stager.Stager
	led       *ledger.Ledger
	sink      *vectorsink.Sink
	q         *queue.Queue
	pool      *worker.Pool
	health    *health.ServiceHealthChecker
	depChecks []health.HealthChecker
	listen    int // bounded fetch per poll cycle
}

// filterFieldNames are the configured filter_* extras beyond the fixed
// mapping. Adding one here, plus to worker.properties, is how a new
// property gets introduced; EnsureCollection's drop-and-recreate picks it
// up on the next restart.
var filterFieldNames = []string{"filter_mailbox", "filter_folder"}

// New performs the full startup sequence: opens the ledger, connects the
// vector sink and ensures the collection, recovers run/ back to wait/, and
// builds the queue and worker pool. It does not start the poll loop or the
// workers; call Run for that.
func New(cfg *config.Config, log zerolog.Logger) (*Orchestrator, error) {
	st, err := stager.New(cfg.Paths.WaitDir, cfg.Paths.RunDir, cfg.Paths.BuggyDir)
	if err != nil {
		return nil, fmt.Errorf("stager init: %w", err)
	}

	led, err := ledger.Open(cfg.Paths.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("ledger open: %w", err)
	}

	sink, err := vectorsink.New(cfg.Weaviate.Host, cfg.Weaviate.APIKey, log)
	if err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("vector sink connect: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	vecCfg := vectorsink.VectorConfig{
		Provider:         cfg.Weaviate.Embedding.Provider,
		Model:            cfg.Weaviate.Embedding.Model,
		VectorDimensions: cfg.Weaviate.Embedding.VectorDimensions,
	}
	if err := sink.EnsureCollection(ctx, cfg.Weaviate.CollectionName, filterFieldNames, vecCfg); err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	recovered, err := st.RecoverRunDir()
	if err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("startup recovery: %w", err)
	}
	log.Info().Int("recovered", recovered).Msg("startup recovery moved run/ residue back to wait/")

	q := queue.New(cfg.Queue.MaxSize)

	sinkFactory := func() (worker.Sink, error) {
		return vectorsink.New(cfg.Weaviate.Host, cfg.Weaviate.APIKey, log)
	}
	ledgerFactory := func() (worker.Ledger, error) {
		return ledger.Open(cfg.Paths.SQLitePath)
	}
	pool := worker.New(cfg.Worker.Threads, q, st, sinkFactory, ledgerFactory, log)

	depChecks := []health.HealthChecker{
		ledger.NewHealthChecker(led, log, healthProbeTimeout),
		vectorsink.NewHealthChecker(sink, log, healthProbeTimeout),
	}
	svcHealth := health.NewServiceHealthChecker(log, depChecks...)

	return &Orchestrator{
		cfg:       cfg,
		log:       log,
		st:        st,
		led:       led,
		sink:      sink,
		q:         q,
		pool:      pool,
		health:    svcHealth,
		depChecks: depChecks,
		listen:    1000,
	}, nil
}

// HealthChecker exposes the aggregated service health flag; callers (e.g.
// an HTTP /healthz handler in cmd/inboxsinkd) poll IsHealthy().
func (o *Orchestrator) HealthChecker() *health.ServiceHealthChecker {
	return o.health
}

// Run starts the worker pool and the main poll loop, blocking until ctx is
// canceled, then performs the bounded-deadline shutdown sequence.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, c := range o.depChecks {
		go c.Start(ctx, healthProbeInterval)
	}
	go o.health.Start(ctx, healthProbeInterval)

	poolDone := make(chan struct{})
	go func() {
		o.pool.Run(ctx)
		close(poolDone)
	}()

	o.pollLoop(ctx)

	o.log.Info().Msg("shutdown: pushing poison pills")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := 0; i < o.cfg.Worker.Threads; i++ {
		if err := o.q.PushPoisonPill(shutdownCtx); err != nil {
			o.log.Error().Err(err).Msg("failed to push poison pill before shutdown deadline")
			break
		}
	}

	select {
	case <-poolDone:
		o.log.Info().Msg("all workers exited cleanly")
	case <-shutdownCtx.Done():
		o.log.Warn().Msg("shutdown deadline exceeded; forcing exit, run/ residue recovered next startup")
	}

	return o.Close()
}

// Close releases the orchestrator's own connections. Worker-owned
// connections are released by each worker on exit.
func (o *Orchestrator) Close() error {
	return o.led.Close()
}

// pollLoop runs the scan-batch-enqueue cycle every poll_interval until ctx
// is canceled.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Worker.PollInterval)
	defer ticker.Stop()

	o.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	cycleID := uuid.New().String()
	log := o.log.With().Str("cycle_id", cycleID).Logger()

	capacity := o.q.Cap() - o.q.Len()
	if capacity <= 0 {
		return
	}

	names, err := o.st.ListPending(o.listen)
	if err != nil {
		log.Error().Err(err).Msg("list pending failed")
		return
	}
	if len(names) == 0 {
		return
	}

	selected, deferred, failures := batch.Build(names, o.st.WaitDir(), capacity)
	log.Info().Int("pending", len(names)).Int("selected", len(selected)).Int("deferred", len(deferred)).Int("failures", len(failures)).Msg("poll cycle")

	for _, f := range failures {
		o.routeDomainFailure(log, f)
	}

	for _, b := range selected {
		o.enqueueBatch(ctx, log, b)
	}
}

// routeDomainFailure handles a filename whose domain could not be
// resolved: it is moved straight to buggy/ without ever entering run/.
func (o *Orchestrator) routeDomainFailure(log zerolog.Logger, f batch.Failure) {
	log.Warn().Str("path", f.FilePath).Str("reason", f.Reason).Msg("domain resolution failure; routing to buggy")
	if err := o.st.MoveToBuggy(f.FilePath); err != nil {
		log.Error().Err(err).Str("path", f.FilePath).Msg("failed to move unresolved file to buggy")
	}
}

// enqueueBatch moves every file in the batch to run/, upserts pending
// ledger rows in one transaction, then enqueues the batch with its new
// run/ paths.
func (o *Orchestrator) enqueueBatch(ctx context.Context, log zerolog.Logger, b batch.Batch) {
	batchID := uuid.New().String()
	log = log.With().Str("batch_id", batchID).Str("domain", b.Domain).Int("size", len(b.FilePaths)).Logger()

	newPaths, rows, err := o.moveAndBuildRows(b)
	if err != nil {
		log.Error().Err(err).Msg("failed to move batch into run/; deferring to next cycle")
		return
	}
	if len(newPaths) == 0 {
		return
	}

	if err := o.led.UpsertPendingBatch(rows); err != nil {
		log.Error().Err(err).Msg("failed to upsert pending rows; files remain in run/ for recovery")
		return
	}

	if err := o.q.Push(ctx, batch.Batch{Domain: b.Domain, FilePaths: newPaths}); err != nil {
		log.Warn().Err(err).Msg("enqueue canceled during shutdown")
		return
	}
	log.Info().Msg("batch enqueued")
}

// moveAndBuildRows moves every file in the batch to run/ and, for files
// that parse cleanly, builds the pending ledger row to upsert alongside
// the move. A file resolved purely by filename hint may still fail full
// JSON parsing here; it still moves to run/ without a ledger row, and the
// worker's per-file state machine reports the parse failure when it gets
// to it; the ledger row's absence is harmless because presence in run/
// is itself the pending indicator.
func (o *Orchestrator) moveAndBuildRows(b batch.Batch) (newPaths []string, rows []ledger.Row, err error) {
	for _, path := range b.FilePaths {
		msg, rerr := readAndParseForLedger(path)
		newPath, merr := o.st.MoveToRun(filepath.Base(path))
		if merr != nil {
			return newPaths, rows, merr
		}
		newPaths = append(newPaths, newPath)
		if rerr == nil {
			rows = append(rows, ledger.Row{
				MailID:       msg.MailID,
				UserID:       msg.UserID,
				Domain:       b.Domain,
				ReceivedTime: msg.ReceivedTime,
			})
		}
	}
	return newPaths, rows, nil
}

func readAndParseForLedger(path string) (*message.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return message.Parse(data)
}
