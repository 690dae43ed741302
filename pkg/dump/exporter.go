package dump

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/block/lomig/pkg/enumerate"
	lo "github.com/block/lomig/pkg/largeobject"
	"github.com/siddontang/loggers"
)

const DefaultBatchSize = 1000

// ErrNoProgress is returned when a whole round of objects failed. Those objects
// would be enumerated again forever, so the run stops and leaves them to the
// next invocation.
var ErrNoProgress = errors.New("no object exported in the last round")

type Batcher interface {
	NextBatch(ctx context.Context, limit int) (enumerate.IDSet, error)
}

type ObjectExporter interface {
	Export(ctx context.Context, id lo.ObjectID) lo.Result
}

// Summary counts what an export run did.
type Summary struct {
	Rounds    int
	Succeeded int
	Failed    int
	Pages     int64
}

// Exporter drives the single-writer export loop: enumerate a batch, dump every
// object in it, repeat until the enumerator has nothing left.
type Exporter struct {
	batcher   Batcher
	writer    ObjectExporter
	batchSize int
	logger    loggers.Advanced

	exported atomic.Uint64
	failed   atomic.Uint64
	round    atomic.Int64
}

func NewExporter(batcher Batcher, writer ObjectExporter, batchSize int, logger loggers.Advanced) *Exporter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Exporter{
		batcher:   batcher,
		writer:    writer,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run exports until no object is left. Per-object failures are counted and
// retried in later rounds; only an enumeration error, a round without progress
// or ctx cancellation ends the run early.
func (e *Exporter) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		e.logger.Infof("New round - %d", sum.Rounds)
		e.round.Store(int64(sum.Rounds))
		sum.Rounds++

		set, err := e.batcher.NextBatch(ctx, e.batchSize)
		if err != nil {
			return sum, err
		}
		if len(set) == 0 {
			return sum, nil
		}

		var succeeded int
		for _, id := range set.Sorted() {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			res := e.writer.Export(ctx, id)
			switch res.Outcome {
			case lo.Succeeded:
				succeeded++
				sum.Succeeded++
				sum.Pages += int64(res.Pages)
				e.exported.Add(1)
			default:
				sum.Failed++
				e.failed.Add(1)
			}
		}
		if succeeded == 0 {
			return sum, fmt.Errorf("%w: %d objects failed", ErrNoProgress, len(set))
		}
	}
}

// Progress is a one line status for periodic reporting.
func (e *Exporter) Progress() string {
	return fmt.Sprintf("round=%d exported=%d failed=%d", e.round.Load(), e.exported.Load(), e.failed.Load())
}
