package ingest

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"sheetsync/internal/domain"
	"sheetsync/internal/gateway/sheets"
	"sheetsync/internal/storage"
	logx "sheetsync/pkg/logx"
)

// Store is the persistence the pipeline writes through.
type Store interface {
	ListIngestable(ctx context.Context, limit int) ([]domain.Task, error)
	StoreRows(ctx context.Context, taskID int64, tableID string, rows []storage.HashedRow, now time.Time) (int, error)
	MarkFailed(ctx context.Context, id int64, at time.Time) error
}

// Source downloads a sheet as CSV text.
type Source interface {
	FetchTable(ctx context.Context, tableID string) (string, error)
}

type Options struct {
	// Fetchers bounds concurrent downloads. Writes are always sequential.
	Fetchers int
	Now      func() time.Time
}

// Result maps each processed result link to the number of rows it added.
type Result struct {
	NewRows map[string]int  `json:"new_rows"`
	Failed  int             `json:"failed"`
	Details []domain.Detail `json:"details,omitempty"`
}

type Pipeline struct {
	store  Store
	source Source
	log    logx.Logger
	opt    Options
}

func New(store Store, source Source, log logx.Logger, opt Options) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Fetchers <= 0 {
		opt.Fetchers = 2
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Pipeline{store: store, source: source, log: log.With(logx.String("comp", "ingest")), opt: opt}
}

type fetched struct {
	tableID string
	rows    []domain.Row
	bad     []RowError
	err     error
}

// IngestPending processes up to batchSize tasks that have a result sheet and
// no stored rows. A task whose sheet cannot be located, downloaded or decoded
// is marked failed and the batch carries on.
func (p *Pipeline) IngestPending(ctx context.Context, batchSize int) (Result, error) {
	res := Result{NewRows: map[string]int{}}
	tasks, err := p.store.ListIngestable(ctx, batchSize)
	if err != nil {
		return res, err
	}
	if len(tasks) == 0 {
		return res, nil
	}

	// Network first, then writes, so no transaction waits on a download.
	out := make([]fetched, len(tasks))
	var g errgroup.Group
	g.SetLimit(p.opt.Fetchers)
	for i, t := range tasks {
		g.Go(func() error {
			out[i] = p.fetch(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := p.log.With(logx.Int64("task_id", t.ID), logx.String("link", t.ResultLink))
		f := out[i]
		if f.err != nil {
			res.Failed++
			res.Details = append(res.Details, domain.Detail{TaskID: t.ID, Key: t.ResultLink, Outcome: "failed", Message: f.err.Error()})
			log.Error("sheet ingestion failed", logx.String("kind", domain.KindOf(f.err).String()), logx.Err(f.err))
			if err := p.store.MarkFailed(ctx, t.ID, p.opt.Now()); err != nil {
				log.Error("mark failed", logx.Err(err))
			}
			continue
		}
		for _, b := range f.bad {
			log.Warn("malformed row skipped", logx.Int("line", b.Line), logx.Err(b.Err))
		}

		hashed := make([]storage.HashedRow, 0, len(f.rows))
		for _, row := range f.rows {
			payload := Canonical(row)
			hashed = append(hashed, storage.HashedRow{Hash: Hash(row), Payload: payload})
		}
		n, err := p.store.StoreRows(ctx, t.ID, f.tableID, hashed, p.opt.Now())
		if err != nil {
			res.Failed++
			res.Details = append(res.Details, domain.Detail{TaskID: t.ID, Key: t.ResultLink, Outcome: "error", Message: err.Error()})
			log.Error("store rows", logx.Err(err))
			continue
		}
		res.NewRows[t.ResultLink] += n
		res.Details = append(res.Details, domain.Detail{TaskID: t.ID, Key: t.ResultLink, Outcome: "stored"})
		log.Info("sheet ingested",
			logx.String("table_id", f.tableID),
			logx.Int("rows", len(f.rows)),
			logx.Int("new", n),
			logx.Int("skipped", len(f.bad)),
		)
	}
	return res, nil
}

func (p *Pipeline) fetch(ctx context.Context, t domain.Task) fetched {
	id, err := sheets.ExtractTableID(t.ResultLink)
	if err != nil {
		return fetched{err: err}
	}
	text, err := p.source.FetchTable(ctx, id)
	if err != nil {
		return fetched{tableID: id, err: err}
	}
	rows, bad, err := ParseCSV(text)
	if err != nil {
		return fetched{tableID: id, err: err}
	}
	return fetched{tableID: id, rows: rows, bad: bad}
}
