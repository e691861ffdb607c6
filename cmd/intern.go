package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/attrset/internal/attributes"
	"github.com/zjrosen/attrset/internal/log"
	"github.com/zjrosen/attrset/internal/manifest"
	"github.com/zjrosen/attrset/internal/presentation"
	"github.com/zjrosen/attrset/internal/pubsub"
	"github.com/zjrosen/attrset/internal/watcher"
)

// eventBuffer bounds how many node events --events can report per pass.
const eventBuffer = 4096

var (
	showEvents bool
	watchMode  bool
)

var internCmd = &cobra.Command{
	Use:   "intern <manifest.yaml>",
	Short: "Intern the attribute sets declared in a manifest",
	Long: `Intern the keys, sets and merges declared in a YAML manifest and print
every resulting set with its node id. Names that resolved to the same
node are listed together.

With --watch the manifest is interned again into the same engine every
time it changes, so unchanged sets keep their node ids.

Examples:
  # Intern a manifest
  attrset intern platforms.yaml

  # Show every node as it is created
  attrset intern platforms.yaml --events

  # Re-intern on every save
  attrset intern platforms.yaml --watch

  # Machine readable output
  attrset intern platforms.yaml --json | jq '.groups'`,
	Args: cobra.ExactArgs(1),
	RunE: runIntern,
}

func init() {
	internCmd.Flags().BoolVar(&showEvents, "events", false, "print node creation events")
	internCmd.Flags().BoolVar(&watchMode, "watch", false, "re-intern whenever the manifest changes")
	rootCmd.AddCommand(internCmd)
}

// interner applies one manifest file to a long-lived engine.
type interner struct {
	path     string
	engine   *attributes.Engine
	broker   *pubsub.Broker[attributes.NodeEvent]
	listener *pubsub.ContinuousListener[attributes.NodeEvent]
	out      io.Writer
	errOut   io.Writer
	misses   uint64
	dropped  uint64
}

func runIntern(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var broker *pubsub.Broker[attributes.NodeEvent]
	in := &interner{path: args[0], out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
	if showEvents {
		broker = pubsub.New[attributes.NodeEvent](pubsub.Options{Buffer: eventBuffer})
		in.broker = broker
		defer broker.Close()
		in.listener = pubsub.NewContinuousListener(ctx, broker)
	}

	engine, err := newEngine(args[0], cfg.Engine, publisherOrNil(broker))
	if err != nil {
		return err
	}
	in.engine = engine

	if err := in.apply(ctx); err != nil {
		return err
	}
	if !watchMode {
		return nil
	}

	w, err := watcher.New(watcher.DefaultConfig(args[0]))
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()
	changes, err := w.Start()
	if err != nil {
		return err
	}
	log.Info(log.CatCLI, "watching manifest", "path", args[0])

	return watchLoop(ctx, changes, func() error {
		_, _ = fmt.Fprintf(in.errOut, "--- %s changed\n", in.path)
		return in.apply(ctx)
	})
}

// watchLoop calls reload for every change until ctx is done. A failed reload
// is reported and the loop keeps going.
func watchLoop(ctx context.Context, changes <-chan struct{}, reload func() error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if err := reload(); err != nil {
				log.ErrorErr(log.CatCLI, "re-intern failed", err)
			}
		}
	}
}

func (in *interner) apply(ctx context.Context) error {
	m, err := manifest.Load(in.path)
	if err != nil {
		return err
	}

	result, err := manifest.Apply(ctx, in.engine, attributes.NewKeyRegistry(), m)
	if err != nil {
		log.ErrorErr(log.CatCLI, "intern failed", err, "manifest", in.path)
		return err
	}
	stats := in.engine.Stats()

	if in.listener != nil {
		dropped := in.broker.Dropped()
		created := stats.Misses - in.misses
		lost := dropped - in.dropped
		in.misses, in.dropped = stats.Misses, dropped

		waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
		defer waitCancel()
		for _, event := range in.listener.Collect(waitCtx, int(created-lost)) {
			n := event.Payload
			_, _ = fmt.Fprintf(in.errOut, "created #%d on #%d: %s=%s\n", n.NodeID, n.ParentID, n.Key.Name(), n.Value)
		}
		if lost > 0 {
			_, _ = fmt.Fprintf(in.errOut, "%d node events dropped\n", lost)
		}
	}

	formatter := presentation.NewFormatter(in.out, jsonOut)
	return formatter.FormatInternResult(presentation.FromInternResult(result, stats))
}

// publisherOrNil keeps a nil broker from becoming a non-nil interface.
func publisherOrNil(b *pubsub.Broker[attributes.NodeEvent]) pubsub.Publisher[attributes.NodeEvent] {
	if b == nil {
		return nil
	}
	return b
}
