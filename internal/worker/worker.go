// Package worker implements the worker pool: N parallel consumers, each
// owning its own ledger connection and vector-sink client, that dequeue
// one batch at a time and drive it through the per-file ingest state
// machine.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/kopilin/inboxsink/internal/batch"
	"github.com/kopilin/inboxsink/internal/ledger"
	"github.com/kopilin/inboxsink/internal/message"
	"github.com/kopilin/inboxsink/internal/queue"
	"github.com/kopilin/inboxsink/internal/stager"
	"github.com/kopilin/inboxsink/internal/vectorsink"
	"github.com/rs/zerolog"
)

// Sink is the subset of *vectorsink.Sink a worker needs; it exists so
// tests can substitute a fake without a live Weaviate instance.
type Sink interface {
	EnsureTenant(ctx context.Context, domain string) error
	ImportBatch(ctx context.Context, domain string, objects []vectorsink.Object) ([]vectorsink.ObjectFailure, error)
}

// Ledger is the subset of *ledger.Ledger a worker needs.
type Ledger interface {
	MarkFailure(mailID, errMsg string) error
	MarkBatch(outcomes []ledger.Outcome) error
	Close() error
}

// SinkFactory builds one vector-sink client per worker, so that sinks are
// never shared across goroutines.
type SinkFactory func() (Sink, error)

// LedgerFactory builds one ledger connection per worker.
type LedgerFactory func() (Ledger, error)

// Pool owns WorkerCount goroutines pulling from a shared Queue.
type Pool struct {
	count       int
	q           *queue.Queue
	stager      *stager.Stager
	sinkFactory SinkFactory
	ledgerFn    LedgerFactory
	log         zerolog.Logger
}

// New constructs a worker pool. Clients are not created until Run starts
// each worker goroutine.
func New(count int, q *queue.Queue, st *stager.Stager, sinkFactory SinkFactory, ledgerFn LedgerFactory, log zerolog.Logger) *Pool {
	return &Pool{count: count, q: q, stager: st, sinkFactory: sinkFactory, ledgerFn: ledgerFn, log: log}
}

// Run starts the pool and blocks until every worker has exited (each
// having received exactly one poison pill, or ctx having been canceled).
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.count)
	for i := 0; i < p.count; i++ {
		go func(id int) {
			defer wg.Done()
			p.runOne(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runOne(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()

	sink, err := p.sinkFactory()
	if err != nil {
		log.Error().Err(err).Msg("worker failed to connect vector sink; exiting")
		return
	}
	led, err := p.ledgerFn()
	if err != nil {
		log.Error().Err(err).Msg("worker failed to open ledger; exiting")
		return
	}
	defer func() { _ = led.Close() }()

	for {
		b, ok, err := p.q.Pop(ctx)
		if err != nil {
			log.Info().Msg("worker stopping: context canceled")
			return
		}
		if !ok {
			log.Info().Msg("worker received poison pill; exiting")
			return
		}
		p.process(ctx, log, sink, led, b)
	}
}

// process drives one batch through the parse -> accumulate -> import ->
// per-file terminal transition state machine.
func (p *Pool) process(ctx context.Context, log zerolog.Logger, sink Sink, led Ledger, b batch.Batch) {
	log = log.With().Str("domain", b.Domain).Int("batch_size", len(b.FilePaths)).Logger()

	type parsed struct {
		path string
		msg  *message.Message
	}
	var ok []parsed

	for _, path := range b.FilePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			p.terminalFailure(log, led, path, "", fmt.Sprintf("read failed: %v", err))
			continue
		}
		msg, err := message.Parse(data)
		if err != nil {
			p.terminalFailure(log, led, path, "", fmt.Sprintf("parse failed: %v", err))
			continue
		}
		ok = append(ok, parsed{path: path, msg: msg})
	}

	if len(ok) == 0 {
		return
	}

	if err := sink.EnsureTenant(ctx, b.Domain); err != nil {
		log.Error().Err(err).Msg("ensure_tenant failed; failing entire batch")
		for _, item := range ok {
			p.terminalFailure(log, led, item.path, item.msg.MailID, fmt.Sprintf("ensure_tenant failed: %v", err))
		}
		return
	}

	objects := make([]vectorsink.Object, 0, len(ok))
	byMailID := make(map[string]parsed, len(ok))
	for _, item := range ok {
		objects = append(objects, vectorsink.Object{
			MailID:     item.msg.MailID,
			Properties: properties(item.msg),
		})
		byMailID[item.msg.MailID] = item
	}

	failures, err := sink.ImportBatch(ctx, b.Domain, objects)
	failedByMailID := make(map[string]string, len(failures))
	for _, f := range failures {
		failedByMailID[f.MailID] = f.Message
	}

	var outcomes []ledger.Outcome
	for _, item := range ok {
		if err != nil {
			outcomes = append(outcomes, ledger.Outcome{MailID: item.msg.MailID, Success: false, Error: fmt.Sprintf("transport failure: %v", err)})
			continue
		}
		if msg, failed := failedByMailID[item.msg.MailID]; failed {
			outcomes = append(outcomes, ledger.Outcome{MailID: item.msg.MailID, Success: false, Error: msg})
			continue
		}
		outcomes = append(outcomes, ledger.Outcome{MailID: item.msg.MailID, Success: true})
	}

	if markErr := led.MarkBatch(outcomes); markErr != nil {
		log.Error().Err(markErr).Msg("ledger mark_batch failed; files remain in run/ for next recovery")
		return
	}

	for _, o := range outcomes {
		item := byMailID[o.MailID]
		if o.Success {
			if err := p.stager.Delete(item.path); err != nil {
				log.Error().Err(err).Str("path", item.path).Msg("failed to delete successfully-imported file")
			}
		} else {
			if err := p.stager.MoveToBuggy(item.path); err != nil {
				log.Error().Err(err).Str("path", item.path).Msg("failed to move failed file to buggy")
			}
		}
	}

	log.Info().Int("succeeded", countSuccess(outcomes)).Int("failed", len(outcomes)-countSuccess(outcomes)).Msg("batch processed")
}

// terminalFailure handles a pre-import failure (read, parse, or
// ensure_tenant): mark the ledger row failed (if we have a mail_id) and
// move the file to buggy/.
func (p *Pool) terminalFailure(log zerolog.Logger, led Ledger, path, mailID, reason string) {
	log.Warn().Str("path", path).Str("reason", reason).Msg("file failed before import")
	if mailID != "" {
		if err := led.MarkFailure(mailID, reason); err != nil {
			log.Error().Err(err).Msg("failed to record ledger failure")
		}
	}
	if err := p.stager.MoveToBuggy(path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to move parse-failed file to buggy")
	}
}

func countSuccess(outcomes []ledger.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// properties builds the fixed filter_*/search_* property mapping plus any
// configured filter_* extras carried on the message.
func properties(m *message.Message) map[string]any {
	props := map[string]any{
		"mail_id":             m.MailID,
		"filter_user_id":      m.UserID,
		"filter_year":         m.Year(),
		"filter_month":        m.Month(),
		"filter_day":          m.Day(),
		"search_mail_content": m.MailContent,
		"search_mail_header":  m.MailHeader,
	}
	if m.Mailbox != "" {
		props["filter_mailbox"] = m.Mailbox
	}
	if m.Folder != "" {
		props["filter_folder"] = m.Folder
	}
	for k, v := range m.Extra {
		props[k] = v
	}
	return props
}
