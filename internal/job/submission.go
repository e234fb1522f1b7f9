package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Submission is the run_test payload.
type Submission struct {
	Branch              string `json:"branch"`
	Client              string `json:"client"`
	Feature             string `json:"feature"`
	HighPriority        bool   `json:"highPriority"`
	Record              bool   `json:"record"`
	APKVersion          string `json:"apkVersion,omitempty"`
	LocalAPK            string `json:"localApk,omitempty"`
	DeviceSerial        string `json:"deviceSerial,omitempty"`
	PersistentWorkspace bool   `json:"persistentWorkspace,omitempty"`
}

// Batch is the run_batch payload. Record applies to every job in the batch.
type Batch struct {
	Jobs   []Submission `json:"jobs"`
	Record bool         `json:"record"`
}

// ParseSubmission validates raw against the run_test schema and decodes it.
func ParseSubmission(raw json.RawMessage) (Submission, error) {
	if err := validate(runTestSchema, raw); err != nil {
		return Submission{}, fmt.Errorf("run_test: %w", err)
	}
	var s Submission
	if err := json.Unmarshal(raw, &s); err != nil {
		return Submission{}, fmt.Errorf("run_test: %w", err)
	}
	return s.normalized(), nil
}

// ParseBatch validates raw against the run_batch schema and decodes it.
func ParseBatch(raw json.RawMessage) (Batch, error) {
	if err := validate(runBatchSchema, raw); err != nil {
		return Batch{}, fmt.Errorf("run_batch: %w", err)
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return Batch{}, fmt.Errorf("run_batch: %w", err)
	}
	for i := range b.Jobs {
		b.Jobs[i] = b.Jobs[i].normalized()
		if b.Record {
			b.Jobs[i].Record = true
		}
	}
	return b, nil
}

func (s Submission) normalized() Submission {
	s.Branch = strings.TrimSpace(s.Branch)
	s.Client = strings.TrimSpace(s.Client)
	s.Feature = strings.TrimSpace(s.Feature)
	s.APKVersion = strings.TrimSpace(s.APKVersion)
	s.LocalAPK = strings.TrimSpace(s.LocalAPK)
	s.DeviceSerial = strings.TrimSpace(s.DeviceSerial)
	return s
}

// Job builds the base job descriptor (no id yet).
func (s Submission) Job(now time.Time) Job {
	j := Job{
		Feature:             s.Feature,
		Branch:              s.Branch,
		Client:              s.Client,
		APKIdentifier:       s.APKVersion,
		APKSourceType:       SourceRegistry,
		DeviceSerial:        s.DeviceSerial,
		HighPriority:        s.HighPriority,
		Record:              s.Record,
		PersistentWorkspace: s.PersistentWorkspace,
		CreatedAt:           now,
	}
	if s.LocalAPK != "" {
		j.APKIdentifier = s.LocalAPK
		j.APKSourceType = SourceLocal
	}
	return j
}
