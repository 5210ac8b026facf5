// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/writethrottle"
	"github.com/cockroachdb/writethrottle/internal/base"
	"github.com/cockroachdb/writethrottle/internal/lsmsim"
	"github.com/cockroachdb/writethrottle/procgauge"
	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

var simConfig struct {
	duration            time.Duration
	reportInterval      time.Duration
	concurrency         int
	partitions          int
	memtableSize        string
	flushBandwidth      string
	compactionBandwidth string
	maxDelayedWriteRate string
	minValueSize        int
	maxValueSize        int
	optionsFile         string
	seed                uint64
	gauges              bool
	metricsAddr         string
	verbose             bool
	quiet               bool
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "run the write throttle against a simulated LSM engine",
	Long: `
Runs concurrent writers against a simulated partitioned LSM engine whose
flushes and compactions feed a write throttle controller. Every report
interval, prints the throttle and the engine's state per partition; at the
end, prints a plot of the throttle and write latency percentiles.
`,
	Args: cobra.NoArgs,
	RunE: runSim,
}

func init() {
	f := simCmd.Flags()
	f.DurationVarP(&simConfig.duration, "duration", "d", 30*time.Second, "the duration to run (0, run forever)")
	f.DurationVar(&simConfig.reportInterval, "report-interval", time.Second, "interval between reports")
	f.IntVarP(&simConfig.concurrency, "concurrency", "c", 8, "number of concurrent writers")
	f.IntVar(&simConfig.partitions, "partitions", 4, "number of engine partitions")
	f.StringVar(&simConfig.memtableSize, "memtable-size", "4MiB", "memtable size")
	f.StringVar(&simConfig.flushBandwidth, "flush-bandwidth", "64MiB/s", "flush bandwidth")
	f.StringVar(&simConfig.compactionBandwidth, "compaction-bandwidth", "16MiB/s", "compaction bandwidth")
	f.StringVar(&simConfig.maxDelayedWriteRate, "max-delayed-write-rate", "64MiB/s",
		"initial ceiling of the engine's delayed write rate")
	f.IntVar(&simConfig.minValueSize, "min-value-size", 256, "minimum size of written values")
	f.IntVar(&simConfig.maxValueSize, "max-value-size", 4096, "maximum size of written values")
	f.StringVar(&simConfig.optionsFile, "options", "", "controller options file (INI)")
	f.Uint64Var(&simConfig.seed, "seed", 1, "random seed for the workload")
	f.BoolVar(&simConfig.gauges, "gauges", false,
		"feed the process's file descriptor and memory map usage to the controller")
	f.StringVar(&simConfig.metricsAddr, "metrics-addr", "",
		"serve Prometheus metrics on this address while running")
	f.BoolVarP(&simConfig.verbose, "verbose", "v", false, "log controller and engine lifecycle events")
	f.BoolVarP(&simConfig.quiet, "quiet", "q", false, "suppress all controller and engine logging, including errors")
}

// simLogger always logs errors, and logs informational messages only in
// verbose mode.
type simLogger struct {
	writethrottle.DefaultLogger
	verbose bool
}

func (l simLogger) Infof(format string, args ...interface{}) {
	if l.verbose {
		l.DefaultLogger.Infof(format, args...)
	}
}

var _ base.Logger = simLogger{}

func runSim(cmd *cobra.Command, args []string) error {
	if simConfig.concurrency < 1 {
		return errors.Newf("invalid concurrency %d", simConfig.concurrency)
	}
	if simConfig.minValueSize < 1 || simConfig.maxValueSize < simConfig.minValueSize {
		return errors.Newf("invalid value sizes [%d, %d]", simConfig.minValueSize, simConfig.maxValueSize)
	}
	memtableSize, err := crhumanize.ParseBytes[uint64](simConfig.memtableSize)
	if err != nil {
		return errors.Wrap(err, "memtable-size")
	}
	flushBandwidth, err := crhumanize.ParseBytesPerSec[uint64](simConfig.flushBandwidth)
	if err != nil {
		return errors.Wrap(err, "flush-bandwidth")
	}
	compactionBandwidth, err := crhumanize.ParseBytesPerSec[uint64](simConfig.compactionBandwidth)
	if err != nil {
		return errors.Wrap(err, "compaction-bandwidth")
	}
	maxDelayedWriteRate, err := crhumanize.ParseBytesPerSec[uint64](simConfig.maxDelayedWriteRate)
	if err != nil {
		return errors.Wrap(err, "max-delayed-write-rate")
	}

	opts, err := loadOptions(simConfig.optionsFile)
	if err != nil {
		return err
	}
	var logger base.Logger = simLogger{verbose: simConfig.verbose}
	if simConfig.quiet {
		logger = writethrottle.NoopLogger{}
	}
	opts.Logger = logger
	opts.WriteBufferSize = memtableSize
	if simConfig.gauges {
		g, err := procgauge.New()
		if err != nil {
			return err
		}
		opts.ResourceGauges = g
	}
	registry := prometheus.NewRegistry()
	cycleLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "writethrottle_cycle_duration_seconds",
		Help:    "Duration of throttle recalculations.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
	})
	registry.MustRegister(cycleLatency)
	opts.CycleLatency = cycleLatency

	ctl, err := writethrottle.New(opts)
	if err != nil {
		return err
	}
	registry.MustRegister(writethrottle.NewCollector(ctl))

	eng, err := lsmsim.Open(lsmsim.Options{
		Partitions:          simConfig.partitions,
		MemTableSize:        memtableSize,
		FlushBandwidth:      flushBandwidth,
		CompactionBandwidth: compactionBandwidth,
		MaxDelayedWriteRate: maxDelayedWriteRate,
		EventListener:       ctl,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	ctl.Attach(eng, eng.Partitions())

	if simConfig.metricsAddr != "" {
		srv := &http.Server{
			Addr:    simConfig.metricsAddr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if simConfig.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, simConfig.duration)
		defer cancel()
	}

	lat := newLatencyHistogram()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < simConfig.concurrency; i++ {
		rng := rand.New(rand.NewSource(simConfig.seed + uint64(i)))
		g.Go(func() error {
			return runWriter(gctx, eng, rng, i, lat)
		})
	}
	var series []float64
	g.Go(func() error {
		series = report(gctx, cmd.OutOrStdout(), ctl, eng, lat)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	ctl.Stop()
	if err := eng.Close(); err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), ctl, eng, lat, series)
	return nil
}

func runWriter(
	ctx context.Context, eng *lsmsim.Engine, rng *rand.Rand, id int, lat *latencyHistogram,
) error {
	span := uint64(simConfig.maxValueSize - simConfig.minValueSize + 1)
	for i := 0; ; i++ {
		size := uint64(simConfig.minValueSize) + rng.Uint64n(span)
		key := fmt.Sprintf("w%03d-%016x", id, rng.Uint64())
		start := crtime.NowMono()
		if err := eng.Write(ctx, []byte(key), size); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		lat.Record(start.Elapsed())
	}
}

// report prints a table every report interval until ctx is done, and returns
// the throttle, in MiB/s, sampled at every interval.
func report(
	ctx context.Context, w io.Writer, ctl *writethrottle.Controller, eng *lsmsim.Engine, lat *latencyHistogram,
) []float64 {
	var series []float64
	ticker := time.NewTicker(simConfig.reportInterval)
	defer ticker.Stop()
	start := time.Now()
	var prev lsmsim.Metrics
	for {
		select {
		case <-ctx.Done():
			return series
		case now := <-ticker.C:
			cm := ctl.Metrics()
			em := eng.Metrics()
			h := lat.tick()
			series = append(series, float64(cm.Throttle)/(1<<20))

			secs := simConfig.reportInterval.Seconds()
			fmt.Fprintf(w, "\n%s  throttle %s/s  applied %s/s  writes %s/s  stalls %d (%s)  p50 %.2fms  p99 %.2fms\n",
				now.Sub(start).Truncate(time.Second),
				humanizeBytes(cm.Throttle),
				humanizeBytes(em.WriteController.DelayedWriteRate),
				humanizeBytes(uint64(float64(em.WriteBytes-prev.WriteBytes)/secs)),
				em.Stalls-prev.Stalls,
				(em.StallDuration - prev.StallDuration).Truncate(time.Millisecond),
				millis(h.ValueAtQuantile(50)), millis(h.ValueAtQuantile(99)))
			renderPartitions(w, cm, em)
			prev = em
		}
	}
}

func renderPartitions(w io.Writer, cm writethrottle.Metrics, em lsmsim.Metrics) {
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Partition", "Imm", "L0 Files", "L0 Size", "Pending", "Stalled"})
	tbl.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, pm := range em.Partitions {
		stalled := ""
		if pm.Stalled {
			stalled = "yes"
		}
		tbl.Append([]string{
			pm.Name,
			fmt.Sprint(pm.ImmutableMemTables),
			fmt.Sprint(pm.Levels[0].Files),
			humanizeBytes(pm.Levels[0].Bytes),
			humanizeBytes(pm.PendingCompactionBytes),
			stalled,
		})
	}
	tbl.SetFooter([]string{
		"backlog",
		fmt.Sprint(cm.Cycles.ImmutableMemTables),
		fmt.Sprint(em.L0Files()),
		"",
		humanizeBytes(cm.Cycles.PendingCompactionBytes),
		fmt.Sprint(cm.Cycles.CompactionBacklog),
	})
	tbl.Render()
}

func printSummary(
	w io.Writer, ctl *writethrottle.Controller, eng *lsmsim.Engine, lat *latencyHistogram, series []float64,
) {
	lat.tick()
	if len(series) > 1 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, asciigraph.Plot(series,
			asciigraph.Height(10),
			asciigraph.Caption("throttle (MiB/s)")))
	}

	fmt.Fprintf(w, "\n%s\n", ctl.Metrics())
	em := eng.Metrics()
	fmt.Fprintf(w, "engine: %d writes (%s), %d stalls (%s), %d flushes, %d compactions (%s written)\n",
		em.Writes, humanizeBytes(em.WriteBytes), em.Stalls, em.StallDuration.Truncate(time.Millisecond),
		em.Flushes, em.Compactions, humanizeBytes(em.CompactedBytes))
	fmt.Fprintf(w, "write controller: %s\n\n", em.WriteController)
	renderLatencies(w, lat.cumulative)
}

func renderLatencies(w io.Writer, h *hdrhistogram.Histogram) {
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Writes", "Mean(ms)", "p50(ms)", "p95(ms)", "p99(ms)", "p99.9(ms)", "Max(ms)"})
	tbl.SetAlignment(tablewriter.ALIGN_RIGHT)
	tbl.Append([]string{
		fmt.Sprint(h.TotalCount()),
		fmt.Sprintf("%.2f", h.Mean()/1e6),
		fmt.Sprintf("%.2f", millis(h.ValueAtQuantile(50))),
		fmt.Sprintf("%.2f", millis(h.ValueAtQuantile(95))),
		fmt.Sprintf("%.2f", millis(h.ValueAtQuantile(99))),
		fmt.Sprintf("%.2f", millis(h.ValueAtQuantile(99.9))),
		fmt.Sprintf("%.2f", millis(h.Max())),
	})
	tbl.Render()
}

func humanizeBytes(n uint64) string {
	return string(crhumanize.Bytes(n, crhumanize.Compact, crhumanize.OmitI))
}
