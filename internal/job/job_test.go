package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubmission(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, s Submission)
	}{
		{
			name: "registry apk",
			raw:  `{"branch":"main","client":"acme","feature":"login","apkVersion":"1.2.3"}`,
			check: func(t *testing.T, s Submission) {
				j := s.Job(time.Unix(0, 0))
				assert.Equal(t, SourceRegistry, j.APKSourceType)
				assert.Equal(t, "1.2.3", j.APKIdentifier)
			},
		},
		{
			name: "local apk with device",
			raw:  `{"branch":"main","client":"acme","feature":"login","localApk":"app.apk","deviceSerial":" emu-1 "}`,
			check: func(t *testing.T, s Submission) {
				j := s.Job(time.Unix(0, 0))
				assert.Equal(t, SourceLocal, j.APKSourceType)
				assert.Equal(t, "app.apk", j.APKIdentifier)
				assert.Equal(t, "emu-1", j.DeviceSerial)
			},
		},
		{name: "missing apk", raw: `{"branch":"main","client":"acme","feature":"login"}`, wantErr: true},
		{name: "both apks", raw: `{"branch":"main","client":"acme","feature":"login","apkVersion":"1","localApk":"a.apk"}`, wantErr: true},
		{name: "unknown field", raw: `{"branch":"main","client":"acme","feature":"login","apkVersion":"1","x":1}`, wantErr: true},
		{name: "empty branch", raw: `{"branch":"","client":"acme","feature":"login","apkVersion":"1"}`, wantErr: true},
		{name: "feature traversal", raw: `{"branch":"main","client":"acme","feature":"../etc","apkVersion":"1"}`, wantErr: true},
		{name: "not json", raw: `{`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := ParseSubmission(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestParseBatchAppliesRecord(t *testing.T) {
	t.Parallel()

	raw := `{"record":true,"jobs":[
		{"branch":"main","client":"acme","feature":"a","apkVersion":"1"},
		{"branch":"main","client":"acme","feature":"b","localApk":"b.apk"}]}`
	b, err := ParseBatch(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, b.Jobs, 2)
	for _, s := range b.Jobs {
		assert.True(t, s.Record)
	}

	_, err = ParseBatch(json.RawMessage(`{"jobs":[]}`))
	require.Error(t, err)
	_, err = ParseBatch(json.RawMessage(`{"jobs":[{"branch":"main"}]}`))
	require.Error(t, err)
}

func TestExpandRecordNormalPriority(t *testing.T) {
	t.Parallel()

	s := Submission{Branch: "main", Client: "acme", Feature: "login", Record: true, APKVersion: "1"}
	jobs := Expand(s, s.Job(time.Now()))
	require.Len(t, jobs, 2)

	assert.True(t, jobs[0].Record)
	assert.Empty(t, jobs[0].MappingToLoad)
	assert.Equal(t, "login.json", jobs[0].MappingFile())

	assert.False(t, jobs[1].Record)
	assert.True(t, jobs[1].HighPriority)
	assert.Equal(t, "login.json", jobs[1].MappingToLoad)

	jobs[0].ID, jobs[1].ID = 7, 8
	Link(jobs)
	assert.Equal(t, int64(7), jobs[1].DependsOn)
	assert.Zero(t, jobs[0].DependsOn)
}

func TestExpandRecordHighPriority(t *testing.T) {
	t.Parallel()

	s := Submission{Branch: "main", Client: "acme", Feature: "checkout", Record: true, HighPriority: true, APKVersion: "1"}
	jobs := Expand(s, s.Job(time.Now()))
	require.Len(t, jobs, 2)
	assert.False(t, jobs[0].Record)
	assert.Equal(t, "checkout.json", jobs[0].MappingToLoad)
	assert.True(t, jobs[1].Record)

	jobs[0].ID, jobs[1].ID = 3, 4
	Link(jobs)
	assert.Equal(t, int64(4), jobs[0].DependsOn)
}

func TestExpandPlain(t *testing.T) {
	t.Parallel()

	s := Submission{Branch: "main", Client: "acme", Feature: "login", APKVersion: "1"}
	jobs := Expand(s, s.Job(time.Now()))
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Record)
	assert.Empty(t, jobs[0].MappingFile())
}

func TestMappingFileFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "login.json", MappingFileFor("features/login.feature"))
	assert.Equal(t, "pay.json", MappingFileFor(" pay "))
}
