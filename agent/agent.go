package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/kkaryeong/reagent-ology/errors"
	"github.com/kkaryeong/reagent-ology/pkg/retry"
	"github.com/kkaryeong/reagent-ology/scale"
)

const defaultPollInterval = time.Second

// Agent polls the server for measurement jobs and works them against the
// weighing device. Recoverable failures keep the loop alive; only context
// cancellation stops it.
type Agent struct {
	Client       *Client
	Acquirer     *scale.Acquirer
	Name         string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Run executes the claim/acquire/commit loop until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default().With("component", "agent", "agent", a.Name)
	}

	poll := a.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	logger.Info("Agent started", "poll_interval", poll)

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("Agent stopped")
			return err
		}

		job, err := a.Client.ClaimNext(ctx, a.Name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Claim failed, will retry", "error", err)
			if err := sleepCtx(ctx, poll); err != nil {
				return err
			}
			continue
		}

		if job == nil {
			if err := sleepCtx(ctx, poll); err != nil {
				return err
			}
			continue
		}

		if err := a.work(ctx, job, logger); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("Job failed, returning to polling", "job_id", job.ID, "error", err)
		}
	}
}

// work runs one claimed job to completion: wait for a stable reading, then
// commit and finish, each retried until they stick.
func (a *Agent) work(ctx context.Context, job *ClaimedJob, logger *slog.Logger) error {
	logger.Info("Working job", "job_id", job.ID, "tag_uid", job.TagUID)

	// No deadline: the agent waits as long as it takes the operator to
	// load the container and for the scale to settle
	grossG, err := a.Acquirer.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "Agent", "work", "acquire stable reading")
	}

	logger.Info("Stable reading acquired", "job_id", job.ID, "gross_g", grossG)

	var logID *int64
	err = retry.Do(ctx, retry.Persistent(), func() error {
		var err error
		logID, err = a.Client.Measure(ctx, job.TagUID, grossG, a.Name, "")
		if errors.IsNotFound(err) || errors.IsInvalid(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "Agent", "work", "commit measurement")
	}

	err = retry.Do(ctx, retry.Persistent(), func() error {
		err := a.Client.Finish(ctx, job.ID, logID)
		if errors.IsNotFound(err) || errors.IsInvalid(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "Agent", "work", "finish job")
	}

	logger.Info("Job done", "job_id", job.ID, "gross_g", grossG)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
