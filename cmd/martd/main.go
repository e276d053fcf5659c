// Command martd replicates entity-resolution results into a
// denormalized data mart. It consumes info messages from a queue,
// reconciles the engine's entity views into the mart tables, and keeps
// the pre-aggregated report rows consistent through a durable
// pending-delta ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entresolve/martd/internal/config"
	"github.com/entresolve/martd/internal/consumer"
	"github.com/entresolve/martd/internal/debug"
	"github.com/entresolve/martd/internal/engine"
	"github.com/entresolve/martd/internal/mart"
	"github.com/entresolve/martd/internal/replicator"
	"github.com/entresolve/martd/internal/telemetry"
)

const shutdownGrace = 30 * time.Second

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "martd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "martd",
		Short:         "Data-mart replicator for the entity-resolution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          run,
	}
	config.Register(cmd.Flags())
	cmd.Flags().BoolP("version", "V", false, "Print version information")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	if v, _ := cmd.Flags().GetBool("version"); v {
		fmt.Fprintln(cmd.OutOrStdout(), versionString())
		return nil
	}

	opts, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := opts.Resolve()
	if err != nil {
		return err
	}
	debug.SetVerbose(cfg.Engine.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "martd", Version); err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(flushCtx)
	}()

	m, err := mart.Open(ctx, cfg.DatabaseURI, cfg.PoolSize())
	if err != nil {
		return fmt.Errorf("opening mart database: %w", err)
	}
	defer m.Close()

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	cons, err := buildConsumer(ctx, cfg, m)
	if err != nil {
		return err
	}

	svc, err := replicator.New(replicator.Options{
		Engine:         eng,
		Mart:           m,
		Consumer:       cons,
		Concurrency:    cfg.SchedulerConcurrency(),
		LeaseDuration:  cfg.Rate.LeaseDuration,
		FollowUpPeriod: cfg.Rate.FollowUpPeriod,
		RetryCeiling:   cfg.Rate.RetryCeiling,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	log.Printf("martd %s ready (%s queue, rate %s)", Version, cfg.Queue, opts.ProcessingRate)

	unobserve, err := telemetry.ObservePipeline(func(ctx context.Context) (telemetry.PipelineStats, error) {
		s, err := svc.Stats(ctx)
		if err != nil {
			return telemetry.PipelineStats{}, err
		}
		return telemetry.PipelineStats{
			MessagesHandled:  s.MessagesHandled,
			MessagesRejected: s.MessagesRejected,
			TasksCompleted:   s.TasksCompleted,
			TasksDropped:     s.TasksDropped,
			ConsumerBacklog:  s.ConsumerBacklog,
			TasksRemaining:   s.TasksRemaining,
			FollowUpBacklog:  s.FollowUpBacklog,
			UnappliedPending: s.UnappliedPending,
		}, nil
	})
	if err != nil {
		return err
	}
	defer unobserve()

	<-ctx.Done()
	log.Printf("martd: shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildEngine(cfg *config.Config) (engine.Repository, error) {
	if cfg.MockEngine {
		log.Printf("martd: using the in-memory mock engine")
		return engine.NewMock(), nil
	}
	return engine.NewHTTP(cfg.CoreURL, cfg.Engine)
}

func buildConsumer(ctx context.Context, cfg *config.Config, m *mart.Mart) (consumer.Consumer, error) {
	switch cfg.Queue {
	case config.QueueDatabase:
		return consumer.NewDBQueue(m, cfg.ConsumerConcurrency()), nil
	case config.QueueSQS:
		return consumer.NewSQS(ctx, cfg.SQSURI, cfg.ConsumerConcurrency())
	case config.QueueRabbit:
		return consumer.NewRabbit(cfg.RabbitURI, cfg.RabbitQueue, cfg.ConsumerConcurrency()), nil
	case config.QueueNone:
		return consumer.NewInMem(cfg.ConsumerConcurrency()), nil
	default:
		return nil, errors.New("no info queue configured")
	}
}
