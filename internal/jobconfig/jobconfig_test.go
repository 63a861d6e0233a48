package jobconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

func newTestService(t *testing.T) (*Service, registry.Center) {
	t.Helper()
	center := registry.NewMemoryCenter()
	t.Cleanup(func() { _ = center.Close() })
	return NewService(center), center
}

func testConfig(name string) types.JobConfig {
	return types.JobConfig{
		JobName:            name,
		Cron:               "0/30 * * * * *",
		ShardingTotalCount: 3,
		CPUCount:           0.5,
		MemoryMB:           128,
		Failover:           true,
		BootstrapScript:    "echo hello",
	}
}

func TestAddAndLoad(t *testing.T) {
	svc, center := newTestService(t)
	require.NoError(t, svc.Add(testConfig("test_job")))

	cfg, ok, err := svc.Load("test_job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, cfg.ShardingTotalCount)
	assert.True(t, cfg.Failover)
	assert.Equal(t, types.JobTransient, cfg.JobExecutionType, "execution type defaults to transient")

	raw, err := center.Get("/config/job/test_job")
	require.NoError(t, err)
	assert.Contains(t, raw, `"jobName":"test_job"`)

	assert.ErrorIs(t, svc.Add(testConfig("test_job")), ErrJobExists)
}

func TestLoadAbsentIsNotAnError(t *testing.T) {
	svc, _ := newTestService(t)
	cfg, ok, err := svc.Load("missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.JobConfig{}, cfg)
}

func TestUpdate(t *testing.T) {
	svc, _ := newTestService(t)

	cfg := testConfig("test_job")
	assert.ErrorIs(t, svc.Update(cfg), ErrJobNotFound)

	require.NoError(t, svc.Add(cfg))
	cfg.Failover = false
	require.NoError(t, svc.Update(cfg))

	loaded, ok, err := svc.Load("test_job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, loaded.Failover)
}

func TestAddRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	cfg := testConfig("bad")
	cfg.ShardingTotalCount = 0
	assert.ErrorIs(t, svc.Add(cfg), types.ErrInvalidJobConfig)
}

func TestLoadAllAndRemove(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Add(testConfig("b_job")))
	require.NoError(t, svc.Add(testConfig("a_job")))

	all, err := svc.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a_job", all[0].JobName)

	require.NoError(t, svc.Remove("a_job"))
	require.NoError(t, svc.Remove("a_job"))

	all, err = svc.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b_job", all[0].JobName)
}
