package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

// ErrJournalFull is returned when the journal queue cannot take a batch.
var ErrJournalFull = errors.New("audit: journal queue full")

// batch is the journal-relevant part of one event batch.
type batch struct {
	trades []model.Trade
	fund   []model.FundEntry
}

// Journal persists trades and insurance fund entries to a store. Publish
// only enqueues; Run performs the writes so a slow database never holds
// up the engine.
type Journal struct {
	store store.Store
	queue chan batch
	log   *slog.Logger
}

// NewJournal creates a journal with a queue of size batches.
func NewJournal(st store.Store, size int, log *slog.Logger) *Journal {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Journal{store: st, queue: make(chan batch, size), log: log}
}

// Publish implements Sink. Batches with nothing to persist are ignored.
func (j *Journal) Publish(_ context.Context, events []model.Event) error {
	var b batch
	for _, ev := range events {
		switch d := ev.Data.(type) {
		case model.Trade:
			b.trades = append(b.trades, d)
		case model.FundEvent:
			b.fund = append(b.fund, d.Entry)
		}
	}
	if len(b.trades) == 0 && len(b.fund) == 0 {
		return nil
	}
	select {
	case j.queue <- b:
		return nil
	default:
		return ErrJournalFull
	}
}

// Run writes queued batches until ctx is done, then flushes what is left
// with a fresh context.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case b := <-j.queue:
			j.write(ctx, b)
		case <-ctx.Done():
			j.drain()
			return nil
		}
	}
}

func (j *Journal) drain() {
	ctx := context.Background()
	for {
		select {
		case b := <-j.queue:
			j.write(ctx, b)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, b batch) {
	if err := j.store.InsertTrades(ctx, b.trades); err != nil {
		j.log.Error("journal trades failed", "count", len(b.trades), "err", err)
	}
	if err := j.store.InsertFundEntries(ctx, b.fund); err != nil {
		j.log.Error("journal fund entries failed", "count", len(b.fund), "err", err)
	}
}
