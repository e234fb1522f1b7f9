package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uirunner/internal/job"
)

func TestParseMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		ok   bool
		want MessageType
	}{
		{`{"type":"ready","sessionId":"s1","appiumPort":4723}`, true, MessageReady},
		{`{"type":"done","jobId":3,"exitCode":1}`, true, MessageDone},
		{`  {"type":"log","line":"hi"}  `, true, MessageLog},
		{`{"type":"weird"}`, false, ""},
		{`{"broken"`, false, ""},
		{`Scenario: login`, false, ""},
		{``, false, ""},
	}
	for _, tt := range tests {
		m, ok := ParseMessage([]byte(tt.line))
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, m.Type, tt.line)
	}
}

func TestWriterAndParseControl(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(Run(job.Job{ID: 9, Feature: "login"})))
	require.NoError(t, w.Write(Cancel(9)))
	require.NoError(t, w.Write(Terminate()))

	sc := NewScanner(strings.NewReader(buf.String()))
	var got []Control
	for sc.Scan() {
		c, err := ParseControl(sc.Bytes())
		require.NoError(t, err)
		got = append(got, c)
	}
	require.Len(t, got, 3)
	assert.Equal(t, ControlRun, got[0].Type)
	assert.Equal(t, "login", got[0].Job.Feature)
	assert.Equal(t, int64(9), got[1].JobID)
	assert.Equal(t, ControlTerminate, got[2].Type)

	_, err := ParseControl([]byte(`{"type":"run"}`))
	assert.Error(t, err)
	_, err = ParseControl([]byte(`{"type":"explode"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}
