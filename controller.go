package gcsout

import (
	"context"
	"sort"
	"sync"

	"github.com/embulk/embulk-output-gcs/errors"
	"github.com/embulk/embulk-output-gcs/gcstypes"
	"github.com/embulk/embulk-output-gcs/internal/gcsapi"
	"github.com/embulk/embulk-output-gcs/internal/pool"
	"github.com/embulk/embulk-output-gcs/internal/retry"
)

// Controller owns a job-wide run against one bucket: it prepares the
// bucket, opens one Output per task, and gathers the commit reports.
// Upload concurrency across all outputs is bounded by a shared worker
// pool sized from the configuration.
type Controller struct {
	client *Client
	cfg    *Config
	pool   *pool.Pool
}

// NewController builds a Controller on a validated client.
func NewController(client *Client) *Controller {
	return &Controller{
		client: client,
		cfg:    client.cfg,
		pool:   pool.New(client.cfg.MaxUploadWorkers),
	}
}

// Begin prepares the bucket for a run. With delete_in_advance set, every
// object under the path prefix is removed first, so the run's output is
// the only content under the prefix.
func (c *Controller) Begin(ctx context.Context) error {
	if !c.cfg.DeleteInAdvance {
		return nil
	}
	return c.deleteUnderPrefix(ctx)
}

// Open creates the output for one task index.
func (c *Controller) Open(ctx context.Context, taskIndex int) *Output {
	return newOutput(ctx, c.cfg.Task(taskIndex), c.client.store, c.pool, c.client.log)
}

// Run executes fn once per task, each on its own goroutine and Output,
// and returns the commit reports ordered by task index. A task whose fn
// or Finish fails is aborted; the first failure is returned after every
// task has settled.
func (c *Controller) Run(ctx context.Context, taskCount int, fn func(ctx context.Context, out *Output) error) ([]gcstypes.CommitReport, error) {
	if taskCount <= 0 {
		return nil, errors.NewError("run", errors.ErrInvalidInput).
			WithMessage("task count must be positive")
	}
	if err := c.Begin(ctx); err != nil {
		return nil, err
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		reports  []gcstypes.CommitReport
	)

	for i := 0; i < taskCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			out := c.Open(ctx, idx)
			err := fn(ctx, out)
			if err == nil {
				err = out.Finish()
			}
			if err != nil {
				out.Abort()
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			report := out.Commit()
			_ = out.Close()
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].TaskIndex < reports[j].TaskIndex
	})
	c.Cleanup(reports)
	return reports, nil
}

// Resume re-runs a job after a failed attempt. No checkpoint of partially
// uploaded data is kept, so resuming is the same as running from scratch;
// object names are deterministic, so the rerun overwrites its own partial
// output by name.
func (c *Controller) Resume(ctx context.Context, taskCount int, fn func(ctx context.Context, out *Output) error) ([]gcstypes.CommitReport, error) {
	c.client.log.Info().Msg("no checkpoint state to resume; rerunning tasks from the start")
	return c.Run(ctx, taskCount, fn)
}

// Cleanup runs after every task has committed. There is nothing to undo
// or finalize remotely, so it only accounts for what the run produced.
func (c *Controller) Cleanup(reports []gcstypes.CommitReport) {
	var files int
	var bytes int64
	for _, r := range reports {
		files += len(r.Files)
		for _, f := range r.Files {
			bytes += f.Size
		}
	}
	c.client.log.Info().
		Int("tasks", len(reports)).
		Int("files", files).
		Int64("bytes", bytes).
		Msg("run complete")
}

// Close waits for in-flight uploads spawned through the shared pool.
func (c *Controller) Close() error {
	c.pool.Drain()
	return nil
}

// deleteUnderPrefix removes every object under the configured path
// prefix, page by page. Deletes are retried under the configured policy.
func (c *Controller) deleteUnderPrefix(ctx context.Context) error {
	log := c.client.log
	deleted := 0
	token := ""

	for {
		page, err := retry.Do(ctx, c.client.policy, classifyStoreError, retryLogObserver(log, "list"),
			func() (*gcsapi.Page, error) {
				return c.client.store.List(ctx, c.cfg.PathPrefix, "", token, 1000)
			})
		if err != nil {
			return storeError("list", c.cfg.Bucket, c.cfg.PathPrefix, err)
		}

		for _, obj := range page.Objects {
			name := obj.Name
			_, err := retry.Do(ctx, c.client.policy, classifyStoreError, retryLogObserver(log, "delete"),
				func() (struct{}, error) {
					return struct{}{}, c.client.store.Delete(ctx, name)
				})
			if err != nil {
				return storeError("delete", c.cfg.Bucket, name, err)
			}
			log.Debug().Str("object", name).Msg("deleted in advance")
			deleted++
		}

		token = page.NextPageToken
		if token == "" {
			break
		}
	}

	if deleted > 0 {
		log.Info().Int("objects", deleted).Str("prefix", c.cfg.PathPrefix).Msg("cleared path prefix")
	}
	return nil
}
