package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fitsync/internal/service"
)

type staticOwners struct {
	ids []string
	err error
}

func (o staticOwners) ListOwnerIDs(context.Context) ([]string, error) {
	return o.ids, o.err
}

type scriptedStarter struct {
	results map[string]service.StartResult
	errs    map[string]error
	calls   []string
}

func (s *scriptedStarter) StartIncremental(_ context.Context, ownerID string, _ []string) (service.StartResult, error) {
	s.calls = append(s.calls, ownerID)
	if err := s.errs[ownerID]; err != nil {
		return service.StartResult{}, err
	}
	return s.results[ownerID], nil
}

func TestRunOnce_StartsEveryOwner(t *testing.T) {
	starter := &scriptedStarter{
		results: map[string]service.StartResult{
			"a": {Status: service.StartStatusStarted, JobID: "job-a"},
			"b": {Status: service.StartStatusAlreadyRunning, JobID: "job-b"},
			"c": {Status: service.StartStatusUpToDate},
		},
		errs: map[string]error{"d": errors.New("db down")},
	}
	s := New(staticOwners{ids: []string{"a", "b", "c", "d"}}, starter, "0 3 * * *", zerolog.Nop())

	summary := s.RunOnce(context.Background())

	assert.Equal(t, []string{"a", "b", "c", "d"}, starter.calls)
	assert.Equal(t, RunSummary{Started: 1, AlreadyRunning: 1, UpToDate: 1, Failed: 1}, summary)
}

func TestRunOnce_ListFailure(t *testing.T) {
	starter := &scriptedStarter{}
	s := New(staticOwners{err: errors.New("boom")}, starter, "0 3 * * *", zerolog.Nop())

	summary := s.RunOnce(context.Background())

	assert.Empty(t, starter.calls)
	assert.Equal(t, RunSummary{}, summary)
}

func TestRunOnce_StopsWhenContextCancelled(t *testing.T) {
	starter := &scriptedStarter{}
	s := New(staticOwners{ids: []string{"a", "b"}}, starter, "0 3 * * *", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)

	assert.Empty(t, starter.calls)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	s := New(staticOwners{}, &scriptedStarter{}, "every night", zerolog.Nop())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every night")
}

func TestStart_AcceptsDescriptor(t *testing.T) {
	s := New(staticOwners{}, &scriptedStarter{}, "@daily", zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
