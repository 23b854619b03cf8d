package storage

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surge/internal/clock"
	"surge/internal/httpexec"
	"surge/internal/runner"
	"surge/internal/stats"
)

func report(requests int) stats.Report {
	a := stats.NewAggregator()
	for i := 0; i < requests; i++ {
		a.RecordRequest(httpexec.Result{StatusCode: 200, Latency: time.Millisecond})
	}
	a.RecordCheck("status is 200", true)
	return a.Snapshot()
}

func TestSaveListGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	opts := runner.RunOptions{VUs: 2, Stages: []clock.Stage{{Target: 5, Duration: time.Second}}}
	first := NewRecord("GET http://localhost/a", opts, report(1))
	second := NewRecord("GET http://localhost/b", opts, report(2))
	require.NoError(t, s.Save(first))
	require.NoError(t, s.Save(second))

	recs, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, second.ID, recs[0].ID, "newest first")
	assert.Equal(t, first.ID, recs[1].ID)
	assert.EqualValues(t, 2, recs[0].Report.Requests)
	assert.Equal(t, opts.Stages, recs[0].Options.Stages)
	assert.Equal(t, "status is 200", recs[0].Report.Checks[0].Name)

	recs, err = s.List(1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	got, err := s.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "GET http://localhost/a", got.Target)
	assert.True(t, got.Started().Equal(first.Started()))

	_, err = s.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Close())

	// history survives reopening
	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	recs, err = s.List(0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSaveOverwritesSameID(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	rec := NewRecord("x", runner.RunOptions{VUs: 1, Duration: time.Second}, report(1))
	require.NoError(t, s.Save(rec))
	rec.Target = "y"
	require.NoError(t, s.Save(rec))

	recs, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "y", recs[0].Target)

	assert.Error(t, s.Save(RunRecord{}))
}
