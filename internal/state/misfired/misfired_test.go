package misfired

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-cloud/internal/jobconfig"
	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/internal/state/running"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

func TestMisfiredQueue(t *testing.T) {
	center := registry.NewMemoryCenter()
	defer center.Close()
	configs := jobconfig.NewService(center)
	svc := NewService(center, configs, running.NewService(center, nil), nil)

	require.NoError(t, configs.Add(types.JobConfig{JobName: "misfire_job", ShardingTotalCount: 2, Misfire: true}))
	require.NoError(t, configs.Add(types.JobConfig{JobName: "failover_job", ShardingTotalCount: 1, Misfire: true}))
	require.NoError(t, svc.Add("misfire_job"))
	require.NoError(t, svc.Add("misfire_job"))
	require.NoError(t, svc.Add("failover_job"))

	names, err := svc.GetAllMisfiredJobNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"failover_job", "misfire_job"}, names, "one marker per job")

	failover := []types.JobContext{{JobConfig: types.JobConfig{JobName: "failover_job"}, Type: types.ExecutionFailover, AssignedShardingItems: []int{0}}}
	contexts, err := svc.GetAllEligibleJobContexts(failover)
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, "misfire_job", contexts[0].JobName())
	assert.Equal(t, types.ExecutionMisfired, contexts[0].Type)
	assert.Equal(t, []int{0, 1}, contexts[0].AssignedShardingItems)

	require.NoError(t, svc.Remove([]string{"misfire_job"}))
	ok, err := svc.IsMisfired("misfire_job")
	require.NoError(t, err)
	assert.False(t, ok)
}
