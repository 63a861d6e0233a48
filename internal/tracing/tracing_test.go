package tracing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	r, err := OpenMemory(ctx)
	require.NoError(t, err)
	defer r.Close()

	base := time.Now().Add(-time.Minute)
	for i, state := range []string{"STAGING", "RUNNING", "LOST"} {
		require.NoError(t, r.Record(ctx, Event{
			TaskID:        "test_job@-@0@-@READY@-@00",
			JobName:       "test_job",
			ShardingItem:  0,
			ExecutionType: "READY",
			State:         state,
			Source:        "agent-1",
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, r.Record(ctx, Event{TaskID: "other@-@0@-@READY@-@00", JobName: "other", ExecutionType: "READY", State: "FINISHED"}))

	events, err := r.ListByJob(ctx, "test_job", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "LOST", events[0].State, "newest first")
	assert.Equal(t, "RUNNING", events[1].State)
	assert.Equal(t, "agent-1", events[0].Source)
	assert.WithinDuration(t, base.Add(2*time.Second), events[0].CreatedAt, time.Millisecond)

	events, err = r.ListByJob(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLiteFilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trace", "trace.db")

	r, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, r.Record(ctx, Event{TaskID: "a@-@1@-@FAILOVER@-@x", JobName: "a", ShardingItem: 1, ExecutionType: "FAILOVER", State: "FINISHED"}))
	require.NoError(t, r.Close())

	r, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer r.Close()

	events, err := r.ListByJob(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].ShardingItem)
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	assert.NoError(t, r.Record(context.Background(), Event{}))
	events, err := r.ListByJob(context.Background(), "x", 1)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, r.Close())
}
