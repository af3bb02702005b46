package dataset

import (
	"context"
	"math/rand"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// Source is what a Loader draws samples from. *Dataset satisfies it.
type Source interface {
	Len() int
	Item(i int) (image *tensor.Dense, captionIDs []int, err error)
}

// Loader walks a sample source in (optionally shuffled) order and emits
// collated batches. With Workers > 1 it preprocesses batches ahead of the
// consumer on a bounded worker pool; prefetching never changes batch
// composition or order, only when the work happens.
type Loader struct {
	src       Source
	batchSize int
	shuffle   bool
	workers   int
	rng       *rand.Rand
	order     []int
	log       *zap.Logger
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Workers   int // <= 1 loads synchronously
	Seed      int64
}

// Result carries one collated batch or the error that stopped loading.
type Result struct {
	Batch *Batch
	Err   error
}

// NewLoader creates a loader over src.
func NewLoader(src Source, cfg LoaderConfig, log *zap.Logger) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	order := make([]int, src.Len())
	for i := range order {
		order[i] = i
	}
	return &Loader{
		src:       src,
		batchSize: cfg.BatchSize,
		shuffle:   cfg.Shuffle,
		workers:   cfg.Workers,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		order:     order,
		log:       log,
	}
}

// Reset reshuffles the sample order for a new epoch.
func (l *Loader) Reset() {
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// NumBatches returns how many batches one pass over the source yields.
func (l *Loader) NumBatches() int {
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

// Batches streams collated batches. The channel is closed after the last
// batch or the first error; context cancellation surfaces as an error
// between batches, never mid-batch. A consumer that stops receiving before
// the channel closes must cancel ctx, otherwise the producer goroutines
// stay parked on their pending send.
func (l *Loader) Batches(ctx context.Context) <-chan Result {
	jobs := l.batchIndices()
	out := make(chan Result, max(1, l.workers))

	if l.workers <= 1 {
		go func() {
			defer close(out)
			for _, indices := range jobs {
				if err := ctx.Err(); err != nil {
					select {
					case out <- Result{Err: err}:
					default:
					}
					return
				}
				b, err := l.loadBatch(indices)
				select {
				case out <- Result{Batch: b, Err: err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()
		return out
	}

	// Parallel path: workers fill per-job slots; the forwarder drains the
	// slots strictly in job order so the consumer sees the same batch
	// sequence a synchronous pass would produce.
	type job struct {
		indices []int
		slot    chan Result
	}

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan job)
	slots := make(chan chan Result, l.workers)

	g.Go(func() error {
		defer close(work)
		defer close(slots)
		for _, indices := range jobs {
			j := job{indices: indices, slot: make(chan Result, 1)}
			select {
			case slots <- j.slot:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case work <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < l.workers; w++ {
		g.Go(func() error {
			for j := range work {
				b, err := l.loadBatch(j.indices)
				j.slot <- Result{Batch: b, Err: err}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	go func() {
		defer close(out)
		for slot := range slots {
			var res Result
			select {
			case res = <-slot:
			case <-gctx.Done():
				res = Result{Err: gctx.Err()}
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
			if res.Err != nil {
				return
			}
		}
		if err := g.Wait(); err != nil {
			select {
			case out <- Result{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return out
}

// batchIndices chunks the current order into batch-sized index slices.
func (l *Loader) batchIndices() [][]int {
	var jobs [][]int
	for i := 0; i < len(l.order); i += l.batchSize {
		j := i + l.batchSize
		if j > len(l.order) {
			j = len(l.order)
		}
		jobs = append(jobs, append([]int(nil), l.order[i:j]...))
	}
	return jobs
}

func (l *Loader) loadBatch(indices []int) (*Batch, error) {
	images := make([]*tensor.Dense, 0, len(indices))
	captions := make([][]int, 0, len(indices))
	for _, idx := range indices {
		img, ids, err := l.src.Item(idx)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
		captions = append(captions, ids)
	}
	return Collate(images, captions)
}
