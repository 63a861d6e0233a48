package ha

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-cloud/internal/registry"
)

func TestLowestCandidateLeads(t *testing.T) {
	root := registry.NewMemoryCenter()
	defer root.Close()

	first := NewElector(root.NewSession(), "coordinator-1", 0, nil)
	second := NewElector(root.NewSession(), "coordinator-2", 0, nil)

	_, err := first.IsLeader()
	assert.ErrorIs(t, err, ErrNotCampaigning)

	require.NoError(t, first.Campaign())
	require.NoError(t, second.Campaign())
	require.NoError(t, first.Campaign(), "campaigning twice keeps the same node")

	leading, err := first.IsLeader()
	require.NoError(t, err)
	assert.True(t, leading)
	leading, err = second.IsLeader()
	require.NoError(t, err)
	assert.False(t, leading)

	leader, err := second.Leader()
	require.NoError(t, err)
	assert.Equal(t, "coordinator-1", leader)

	children, err := root.GetChildrenKeys(ElectionRoot)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	require.NoError(t, first.Resign())
	leading, err = second.IsLeader()
	require.NoError(t, err)
	assert.True(t, leading)
}

func TestLeaderWithoutCandidates(t *testing.T) {
	root := registry.NewMemoryCenter()
	defer root.Close()

	leader, err := NewElector(root, "x", 0, nil).Leader()
	require.NoError(t, err)
	assert.Empty(t, leader)
}

func TestExpiredSessionDropsCandidacy(t *testing.T) {
	root := registry.NewMemoryCenter()
	defer root.Close()

	session := root.NewSession()
	e := NewElector(session, "coordinator-1", 0, nil)
	require.NoError(t, e.Campaign())

	// 另一個會話移除節點，模擬 ZooKeeper 會話過期
	children, err := root.GetChildrenKeys(ElectionRoot)
	require.NoError(t, err)
	require.NoError(t, root.Remove(registry.Join(ElectionRoot, children[0])))

	_, err = e.IsLeader()
	assert.ErrorIs(t, err, ErrNotCampaigning)

	// 重新參選取得新節點
	require.NoError(t, e.Campaign())
	leading, err := e.IsLeader()
	require.NoError(t, err)
	assert.True(t, leading)
}

type callbacks struct {
	elected int32
	revoked int32
	fail    int32 // 前幾次當選回傳錯誤
}

func (c *callbacks) onElected(context.Context) error {
	atomic.AddInt32(&c.elected, 1)
	if atomic.AddInt32(&c.fail, -1) >= 0 {
		return errors.New("leader start failed")
	}
	return nil
}

func (c *callbacks) onRevoked() { atomic.AddInt32(&c.revoked, 1) }

func (c *callbacks) counts() (elected, revoked int32) {
	return atomic.LoadInt32(&c.elected), atomic.LoadInt32(&c.revoked)
}

func run(e *Elector, cb *callbacks) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx, cb.onElected, cb.onRevoked)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestStandbyTakesOverWhenLeaderSessionCloses(t *testing.T) {
	root := registry.NewMemoryCenter()
	defer root.Close()

	s1 := root.NewSession()
	active := NewElector(s1, "coordinator-1", 10*time.Millisecond, nil)
	standby := NewElector(root.NewSession(), "coordinator-2", 10*time.Millisecond, nil)

	cb1, cb2 := &callbacks{}, &callbacks{}
	stop1 := run(active, cb1)
	require.Eventually(t, active.Leading, time.Second, 5*time.Millisecond)

	stop2 := run(standby, cb2)
	defer stop2()
	time.Sleep(50 * time.Millisecond)
	elected, _ := cb2.counts()
	assert.Equal(t, int32(0), elected, "standby must wait")

	// leader 崩潰：會話關閉，臨時節點消失
	require.NoError(t, s1.Close())
	require.Eventually(t, standby.Leading, time.Second, 5*time.Millisecond)
	stop1()

	elected, _ = cb2.counts()
	assert.Equal(t, int32(1), elected)
	leader, err := standby.Leader()
	require.NoError(t, err)
	assert.Equal(t, "coordinator-2", leader)
}

func TestRunRevokesOnShutdown(t *testing.T) {
	root := registry.NewMemoryCenter()
	defer root.Close()

	e := NewElector(root, "coordinator-1", 10*time.Millisecond, nil)
	cb := &callbacks{}
	stop := run(e, cb)
	require.Eventually(t, e.Leading, time.Second, 5*time.Millisecond)
	stop()

	elected, revoked := cb.counts()
	assert.Equal(t, int32(1), elected)
	assert.Equal(t, int32(1), revoked)

	children, err := root.GetChildrenKeys(ElectionRoot)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestFailedStartResignsAndRetries(t *testing.T) {
	root := registry.NewMemoryCenter()
	defer root.Close()

	e := NewElector(root, "coordinator-1", 10*time.Millisecond, nil)
	cb := &callbacks{fail: 1}
	stop := run(e, cb)
	defer stop()

	require.Eventually(t, func() bool {
		elected, _ := cb.counts()
		return elected == 2 && e.Leading()
	}, time.Second, 5*time.Millisecond)
	_, revoked := cb.counts()
	assert.Equal(t, int32(1), revoked)
}
