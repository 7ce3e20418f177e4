package journal

import (
	"context"
	"time"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/locator"
)

// SweepOptions configures Sweep.
type SweepOptions struct {
	// StaleAfter is how long a staged resource may sit untouched before it
	// is considered abandoned by a crashed run.
	StaleAfter time.Duration

	// DryRun lists what would be deleted without deleting it.
	DryRun bool
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	Deleted []string
	Failed  map[string]error
	Skipped []string
}

// Sweep deletes leftover temp resources. deleters maps backend names to the
// backends that own the resources; resources of unknown backends are
// skipped.
func (j *Journal) Sweep(ctx context.Context, deleters map[string]backend.Deleter, opts SweepOptions) (*SweepReport, error) {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	leftovers, err := j.Leftovers(ctx, time.Now().Add(-opts.StaleAfter))
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Failed: make(map[string]error)}
	for _, rec := range leftovers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		d, ok := deleters[rec.Backend]
		if !ok {
			report.Skipped = append(report.Skipped, rec.Locator)
			continue
		}
		loc, err := locator.Parse(rec.Locator)
		if err != nil {
			report.Failed[rec.Locator] = err
			continue
		}
		if opts.DryRun {
			report.Deleted = append(report.Deleted, rec.Locator)
			continue
		}

		derr := d.Delete(ctx, loc)
		if err := j.RecordCleanup(ctx, rec.JobID, loc, derr); err != nil {
			return report, err
		}
		if derr != nil {
			j.logger.WithError(derr).WithField("locator", rec.Locator).Warn("sweep could not delete temp resource")
			report.Failed[rec.Locator] = derr
			continue
		}
		report.Deleted = append(report.Deleted, rec.Locator)
	}

	j.logger.Infof("swept %d temp resources, %d failed, %d skipped",
		len(report.Deleted), len(report.Failed), len(report.Skipped))
	return report, nil
}
