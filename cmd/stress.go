package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/attrset/internal/attributes"
	"github.com/zjrosen/attrset/internal/log"
	"github.com/zjrosen/attrset/internal/metrics"
	"github.com/zjrosen/attrset/internal/presentation"
	"github.com/zjrosen/attrset/internal/tracing"
)

var (
	stressWorkers    int
	stressIterations int
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Intern the same sets from many goroutines",
	Long: `Run workers that concurrently build the same attribute sets on one
engine and check that every worker received the same node for the same
set. Prints engine statistics and the Prometheus counters.

Examples:
  attrset stress
  attrset stress --workers 32 --iterations 10000`,
	Args: cobra.NoArgs,
	RunE: runStress,
}

func init() {
	stressCmd.Flags().IntVarP(&stressWorkers, "workers", "w", 0, "number of goroutines (default from config)")
	stressCmd.Flags().IntVarP(&stressIterations, "iterations", "n", 0, "sets built per goroutine (default from config)")
	rootCmd.AddCommand(stressCmd)
}

func runStress(cmd *cobra.Command, _ []string) error {
	sc := cfg.Stress
	if cmd.Flags().Changed("workers") {
		sc.Workers = stressWorkers
	}
	if cmd.Flags().Changed("iterations") {
		sc.Iterations = stressIterations
	}
	if sc.Workers < 1 || sc.Iterations < 1 {
		return fmt.Errorf("workers and iterations must be at least 1")
	}

	engine, err := newEngine("stress", cfg.Engine, nil)
	if err != nil {
		return err
	}
	defer metrics.Forget(engine.ID())

	ctx, span := provider.Tracer().Start(cmd.Context(), tracing.SpanStress, trace.WithAttributes(
		attribute.String(tracing.AttrEngineID, engine.ID()),
		attribute.Int(tracing.AttrWorkers, sc.Workers),
		attribute.Int(tracing.AttrIterations, sc.Iterations),
	))
	defer span.End()

	result, err := stress(ctx, engine, sc.Workers, sc.Iterations, sc.Keys, sc.Values)
	if err != nil {
		return err
	}

	samples, err := metrics.Snapshot(nil)
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	result.Stats = presentation.FromStats(engine.Stats())
	result.Metrics = presentation.FromSamples(filterEngine(samples, engine.ID()))

	log.Info(log.CatCLI, "stress finished", "workers", sc.Workers, "iterations", sc.Iterations,
		"distinct", result.Distinct, "consistent", result.Consistent)

	if err := presentation.NewFormatter(cmd.OutOrStdout(), jsonOut).FormatStressResult(result); err != nil {
		return err
	}
	if !result.Consistent {
		return fmt.Errorf("workers observed different nodes for the same set")
	}
	return nil
}

// stress has every worker build the same sequence of sets and compares
// the nodes they got back. Set i has depth i%keys+1; the value of key j
// is digit j of i in base values. Every other set is also merged with its
// predecessor to exercise the merge path.
func stress(ctx context.Context, engine *attributes.Engine, workers, iterations, keyCount, values int) (presentation.StressResultDTO, error) {
	keys := make([]attributes.Key, keyCount)
	for j := range keys {
		keys[j] = attributes.KeyOf[int]("k" + strconv.Itoa(j))
	}

	build := func() ([]*attributes.Node, error) {
		nodes := make([]*attributes.Node, 0, iterations)
		var prev *attributes.Node
		for i := 0; i < iterations; i++ {
			cur := engine.Root()
			digits := i
			for j := 0; j <= i%keyCount; j++ {
				var err error
				cur, err = engine.Concat(cur, keys[j], digits%values)
				if err != nil {
					return nil, err
				}
				digits /= values
			}
			if prev != nil && i%2 == 1 {
				cur = engine.MergeContext(ctx, prev, cur)
			}
			nodes = append(nodes, cur)
			prev = cur
		}
		return nodes, nil
	}

	start := time.Now()
	p := pool.NewWithResults[[]*attributes.Node]().WithErrors().WithContext(ctx).WithMaxGoroutines(workers)
	for w := 0; w < workers; w++ {
		p.Go(func(context.Context) ([]*attributes.Node, error) {
			return build()
		})
	}
	runs, err := p.Wait()
	if err != nil {
		return presentation.StressResultDTO{}, err
	}
	elapsed := time.Since(start)

	consistent := true
	distinct := make(map[*attributes.Node]struct{})
	for _, run := range runs {
		for i, n := range run {
			distinct[n] = struct{}{}
			if n != runs[0][i] {
				consistent = false
			}
		}
	}

	return presentation.StressResultDTO{
		Workers:    workers,
		Iterations: iterations,
		Distinct:   len(distinct),
		Consistent: consistent,
		Elapsed:    elapsed.Round(time.Microsecond).String(),
	}, nil
}

func filterEngine(samples []metrics.Sample, engine string) []metrics.Sample {
	var out []metrics.Sample
	for _, s := range samples {
		if s.Engine == engine {
			out = append(out, s)
		}
	}
	return out
}
