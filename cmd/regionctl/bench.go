package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"runtime"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/regionstore/internal/logx"
	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/store"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 30 * time.Second
)

var benchConfig struct {
	dir         string
	concurrency int
	ops         int
	radius      int
	values      int
	keep        bool
	verbose     bool
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "run a synthetic live feed against a region store",
	Long: `
Feed random column writes into a store from concurrent writers, interleaved
with point lookups, then save everything. Reports write and lookup latency
percentiles and the save time.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBench(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchConfig.dir, "dir", "", "store directory (default: a temporary directory)")
	f.IntVarP(&benchConfig.concurrency, "concurrency", "c", runtime.GOMAXPROCS(0), "number of concurrent writers")
	f.IntVarP(&benchConfig.ops, "num-ops", "n", 200000, "total column writes")
	f.IntVar(&benchConfig.radius, "radius", 2, "regions around the origin receiving writes")
	f.IntVar(&benchConfig.values, "values", 16, "distinct column values")
	f.BoolVar(&benchConfig.keep, "keep", false, "keep the temporary directory")
	f.BoolVarP(&benchConfig.verbose, "verbose", "v", false, "log store events")
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 2)
}

func record(h *hdrhistogram.Histogram, d time.Duration) {
	n := min(max(d.Nanoseconds(), minLatency.Nanoseconds()), maxLatency.Nanoseconds())
	_ = h.RecordValue(n)
}

func runBench(ctx context.Context, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := benchConfig
	if cfg.concurrency < 1 || cfg.ops < 1 || cfg.radius < 0 || cfg.values < 1 {
		return errors.New("concurrency, num-ops and values must be positive")
	}

	dir := cfg.dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "regionctl-bench-")
		if err != nil {
			return err
		}
		dir = tmp
		if !cfg.keep {
			defer os.RemoveAll(tmp)
		}
	}

	log := zerolog.Nop()
	if cfg.verbose {
		log = logx.NewLogger(os.Stderr, zerolog.DebugLevel)
	}
	st, err := store.New(store.Config{Dir: dir, Logger: log})
	if err != nil {
		return err
	}

	span := int32(2*cfg.radius+1) * region.RegionColumns
	origin := -int32(cfg.radius) * region.RegionColumns

	writes := make([]*hdrhistogram.Histogram, cfg.concurrency)
	reads := make([]*hdrhistogram.Histogram, cfg.concurrency)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.concurrency; i++ {
		writes[i], reads[i] = newHistogram(), newHistogram()
		n := cfg.ops / cfg.concurrency
		if i < cfg.ops%cfg.concurrency {
			n++
		}
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(i), uint64(start.UnixNano())))
			for j := 0; j < n; j++ {
				pos := region.ColumnPos{X: origin + rng.Int32N(span), Z: origin + rng.Int32N(span)}
				v := region.Value(1 + rng.IntN(cfg.values))

				t0 := time.Now()
				if err := st.ScheduleUpdateColumn(pos, v).Err(gctx); err != nil {
					return err
				}
				record(writes[i], time.Since(t0))

				t0 = time.Now()
				st.Column(pos)
				record(reads[i], time.Since(t0))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = st.Close()
		return err
	}
	feed := time.Since(start)

	t0 := time.Now()
	if err := st.SaveAll().Err(ctx); err != nil {
		_ = st.Close()
		return err
	}
	save := time.Since(t0)
	stats := st.Stats()
	if err := st.Close(); err != nil {
		return err
	}

	write, read := newHistogram(), newHistogram()
	for i := range writes {
		write.Merge(writes[i])
		read.Merge(reads[i])
	}

	fmt.Fprintf(w, "%d writes from %d writers in %s (%.0f ops/sec)\n",
		cfg.ops, cfg.concurrency, feed.Round(time.Millisecond), float64(cfg.ops)/feed.Seconds())
	fmt.Fprintf(w, "op      ops(total)  p50(ms)  p95(ms)  p99(ms)  pMax(ms)\n")
	for _, h := range []struct {
		name string
		h    *hdrhistogram.Histogram
	}{{"write", write}, {"lookup", read}} {
		fmt.Fprintf(w, "%-6s %11d %8.3f %8.3f %8.3f %9.3f\n",
			h.name, h.h.TotalCount(),
			ms(h.h.ValueAtQuantile(50)), ms(h.h.ValueAtQuantile(95)),
			ms(h.h.ValueAtQuantile(99)), ms(h.h.Max()))
	}
	fmt.Fprintf(w, "saved %d bytes across %d regions in %s\n",
		stats.Store.BytesWritten, stats.Regions, save.Round(time.Millisecond))
	if cfg.keep || cfg.dir != "" {
		fmt.Fprintf(w, "data left in %s\n", dir)
	}
	return nil
}

func ms(ns int64) float64 { return float64(ns) / float64(time.Millisecond) }
