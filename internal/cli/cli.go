// Package cli wires the cobra command tree to the processing pipeline.
package cli

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"log/slog"

	"astrostack/internal/capturelog"
	"astrostack/internal/config"
	"astrostack/internal/pipeline"
	"astrostack/internal/server"
	"astrostack/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type sessionLister func(limit int) ([]capturelog.Session, error)

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	if real, ok := pipe.(*pipeline.Pipeline); ok {
		return server.Serve(ctx, addr, store, real, log)
	}
	return fmt.Errorf("pipeline does not support server operation")
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	sessions sessionLister
}

// NewRoot constructs the CLI root command.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
	}
	r.sessions = func(limit int) ([]capturelog.Session, error) {
		db, err := capturelog.Open(cfg.Paths.CaptureLogPath, logger)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return db.Sessions(limit)
	}
	return r
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				if res.Error != nil {
					return res.Error
				}
				r.printMeta(res.Meta)
				return nil
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func (r *Root) printMeta(meta map[string]any) {
	if out, ok := meta["output"].(string); ok && out != "" {
		fmt.Printf("Output: %s\n", out)
	}
	if prev, ok := meta["preview"].(string); ok && prev != "" {
		fmt.Printf("Preview: %s\n", prev)
	}
	if frames, ok := meta["frames"]; ok {
		fmt.Printf("Frames: %v\n", frames)
	}
	if best, ok := meta["bestFrame"]; ok {
		fmt.Printf("Best frame: %v (score %.1f)\n", best, meta["bestScore"])
	}
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
