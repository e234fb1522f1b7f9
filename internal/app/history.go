package app

import (
	"context"
	"time"

	"uirunner/internal/eventbus"
	"uirunner/internal/scheduler"
	"uirunner/internal/storage"
	"uirunner/pkg/logx"
)

// recordHistory persists every job_finished event until ctx is done or the
// subscription closes.
func recordHistory(ctx context.Context, sub *eventbus.Subscription, st storage.Store, log logx.Logger) {
	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if d := sub.Dropped(); d > dropped {
				log.Warn("job history fell behind; some finished jobs were not recorded", logx.Uint64("dropped", d-dropped))
				dropped = d
			}
			jf, ok := e.Data.(scheduler.JobFinished)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := st.RecordJob(wctx, jobRecord(jf, e.Time))
			cancel()
			if err != nil {
				log.Warn("record job failed", logx.Int64("job_id", jf.JobID), logx.Err(err))
			}
		}
	}
}

func jobRecord(jf scheduler.JobFinished, at time.Time) storage.JobRecord {
	if at.IsZero() {
		at = time.Now()
	}
	j := jf.Job
	return storage.JobRecord{
		JobID:         jf.JobID,
		Feature:       j.Feature,
		Branch:        j.Branch,
		Client:        j.Client,
		APK:           j.APKIdentifier,
		APKSource:     string(j.APKSourceType),
		Device:        j.DeviceSerial,
		Record:        j.Record,
		MappingToLoad: j.MappingToLoad,
		SlotID:        jf.SlotID,
		ExitCode:      jf.ExitCode,
		Cancelled:     jf.Cancelled || j.Cancelled,
		ReportURL:     jf.ReportURL,
		Attempts:      j.Attempts,
		QueuedAt:      j.CreatedAt,
		FinishedAt:    at,
	}
}
