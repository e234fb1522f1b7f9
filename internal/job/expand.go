package job

// Expand turns a submission into the jobs to enqueue, in enqueue order.
//
// A record submission becomes two jobs: a record run that captures mock
// mappings to "<feature>.json", and a high-priority verify run replaying that
// file. Normal priority enqueues [record, verify]; high priority enqueues
// [verify, record]. Verify's dependency on record is linked by the caller once
// ids are assigned (see Link).
func Expand(s Submission, base Job) []Job {
	if !s.Record {
		return []Job{base}
	}

	rec := base
	rec.Record = true
	rec.MappingToLoad = ""

	ver := base
	ver.Record = false
	ver.HighPriority = true
	ver.MappingToLoad = MappingFileFor(base.Feature)

	if s.HighPriority {
		return []Job{ver, rec}
	}
	return []Job{rec, ver}
}

// Link sets DependsOn on every verify job of an expanded pair to the id of
// its record job. jobs must already carry ids.
func Link(jobs []Job) {
	if len(jobs) != 2 {
		return
	}
	ri, vi := 0, 1
	if !jobs[0].Record {
		ri, vi = 1, 0
	}
	if jobs[ri].Record && !jobs[vi].Record && jobs[vi].MappingToLoad != "" {
		jobs[vi].DependsOn = jobs[ri].ID
	}
}
