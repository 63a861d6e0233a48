package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// centerContract 兩種實作共用的行為驗證
func centerContract(t *testing.T, c Center) {
	t.Run("persist creates parents", func(t *testing.T) {
		require.NoError(t, c.Persist("/state/running/job_a/job_a@-@0", "job_a@-@0@-@READY@-@00"))

		v, err := c.Get("/state/running/job_a/job_a@-@0")
		require.NoError(t, err)
		assert.Equal(t, "job_a@-@0@-@READY@-@00", v)

		ok, err := c.IsExisted("/state/running/job_a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("persist overwrites", func(t *testing.T) {
		require.NoError(t, c.Persist("/config/job/job_a", "v1"))
		require.NoError(t, c.Persist("/config/job/job_a", "v2"))
		v, err := c.Get("/config/job/job_a")
		require.NoError(t, err)
		assert.Equal(t, "v2", v)
	})

	t.Run("missing node", func(t *testing.T) {
		_, err := c.Get("/config/job/nope")
		assert.ErrorIs(t, err, ErrNoNode)

		ok, err := c.IsExisted("/config/job/nope")
		require.NoError(t, err)
		assert.False(t, ok)

		children, err := c.GetChildrenKeys("/nope/at/all")
		require.NoError(t, err)
		assert.Empty(t, children)
	})

	t.Run("children sorted", func(t *testing.T) {
		for _, job := range []string{"zeta", "alpha", "mid"} {
			require.NoError(t, c.Persist(Join("state", "ready", job), ""))
		}
		children, err := c.GetChildrenKeys("/state/ready")
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, children)
	})

	t.Run("remove is recursive and idempotent", func(t *testing.T) {
		require.NoError(t, c.Persist("/tmp/a/b/c", "x"))
		require.NoError(t, c.Remove("/tmp/a"))
		ok, err := c.IsExisted("/tmp/a/b/c")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, c.Remove("/tmp/a"))
	})

	t.Run("ephemeral sequential ordering", func(t *testing.T) {
		first, err := c.PersistEphemeralSequential("/leader/election/n_", "a")
		require.NoError(t, err)
		second, err := c.PersistEphemeralSequential("/leader/election/n_", "b")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(first, "/leader/election/n_"))
		assert.Less(t, first, second)

		children, err := c.GetChildrenKeys("/leader/election")
		require.NoError(t, err)
		assert.Len(t, children, 2)
	})

	t.Run("invalid path", func(t *testing.T) {
		assert.ErrorIs(t, c.Persist("relative", "x"), ErrInvalidPath)
		assert.ErrorIs(t, c.Persist("/trailing/", "x"), ErrInvalidPath)
	})
}

func TestMemoryCenterContract(t *testing.T) {
	c := NewMemoryCenter()
	defer c.Close()
	centerContract(t, c)
}

func TestZookeeperCenterContract(t *testing.T) {
	servers := os.Getenv("BEAVER_ZK_SERVERS")
	if servers == "" {
		t.Skip("BEAVER_ZK_SERVERS not set, zookeeper is not available")
	}
	c, err := NewZookeeperCenter(ZookeeperConfig{
		Servers:        strings.Split(servers, ","),
		Namespace:      "/beaver-cloud-test-" + time.Now().Format("150405.000000"),
		SessionTimeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)
	defer func() {
		_ = c.Remove("/")
		_ = c.Close()
	}()
	centerContract(t, c)
}

func TestMemorySessionEphemeralLifetime(t *testing.T) {
	c := NewMemoryCenter()
	defer c.Close()

	other := c.NewSession()
	require.NoError(t, other.PersistEphemeral("/agents/agent-1", "host-1"))
	_, err := other.PersistEphemeralSequential("/leader/election/n_", "b")
	require.NoError(t, err)
	require.NoError(t, c.Persist("/config/job/job_a", "{}"))

	require.NoError(t, other.Close())

	ok, err := c.IsExisted("/agents/agent-1")
	require.NoError(t, err)
	assert.False(t, ok, "ephemeral node disappears with its session")

	children, err := c.GetChildrenKeys("/leader/election")
	require.NoError(t, err)
	assert.Empty(t, children)

	ok, err = c.IsExisted("/config/job/job_a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = other.Get("/config/job/job_a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocalCenterRecoversFromJournal(t *testing.T) {
	dir := t.TempDir()

	c, err := OpenLocal(dir, nil)
	require.NoError(t, err)
	require.True(t, c.Durable())
	require.NoError(t, c.Persist("/config/job/job_a", `{"jobName":"job_a"}`))
	require.NoError(t, c.Persist("/state/ready/job_a", ""))
	require.NoError(t, c.Persist("/state/ready/job_b", ""))
	require.NoError(t, c.Remove("/state/ready/job_b"))
	require.NoError(t, c.PersistEphemeral("/agents/local", "x"))
	require.NoError(t, c.Close())

	reopened, err := OpenLocal(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get("/config/job/job_a")
	require.NoError(t, err)
	assert.Equal(t, `{"jobName":"job_a"}`, v)

	ready, err := reopened.GetChildrenKeys("/state/ready")
	require.NoError(t, err)
	assert.Equal(t, []string{"job_a"}, ready)

	ok, err := reopened.IsExisted("/agents/local")
	require.NoError(t, err)
	assert.False(t, ok, "ephemeral nodes are never journaled")
}

func TestLocalCenterCompact(t *testing.T) {
	dir := t.TempDir()

	c, err := OpenLocal(dir, nil)
	require.NoError(t, err)
	require.NoError(t, c.Persist("/config/job/job_a", "a"))
	require.NoError(t, c.Persist("/config/job/job_b", "b"))
	require.NoError(t, c.Compact())
	require.NoError(t, c.Remove("/config/job/job_a"))
	require.NoError(t, c.Close())

	_, err = os.Stat(filepath.Join(dir, snapshotFile))
	require.NoError(t, err)

	reopened, err := OpenLocal(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	jobs, err := reopened.GetChildrenKeys("/config/job")
	require.NoError(t, err)
	assert.Equal(t, []string{"job_b"}, jobs)
}

func TestMemoryCompactIsNoop(t *testing.T) {
	c := NewMemoryCenter()
	defer c.Close()
	assert.False(t, c.Durable())
	assert.NoError(t, c.Compact())
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/state/ready/job_a", Join("state", "ready", "job_a"))
	assert.Equal(t, "/", Join())
}
