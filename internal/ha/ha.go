// Package ha 協調器主備選舉
//
// 每個協調器在 /leader/election 下建立臨時順序節點，序號最小者為 leader。
// 會話結束（行程崩潰、ZooKeeper 會話過期）時節點消失，下一位自動接手。
package ha

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/registry"
)

const (
	// ElectionRoot 候選節點的父路徑
	ElectionRoot    = "/leader/election"
	candidatePrefix = "candidate-"

	// DefaultInterval 檢查成員的間隔
	DefaultInterval = 500 * time.Millisecond
)

// ErrNotCampaigning 尚未參選
var ErrNotCampaigning = errors.New("ha: not campaigning")

// Elector 選舉參與者
type Elector struct {
	center   registry.Center
	id       string
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	node   string // 自己的候選節點名稱（不含父路徑）
	leader bool
}

// NewElector id 為協調器識別（寫入候選節點的值）；interval 為 0 時使用 DefaultInterval
func NewElector(center registry.Center, id string, interval time.Duration, logger *zap.Logger) *Elector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Elector{
		center:   center,
		id:       id,
		interval: interval,
		logger:   logging.OrNop(logger).Named("ha").With(zap.String("candidate", id)),
	}
}

// Campaign 建立候選節點；已參選時不做任何事
func (e *Elector) Campaign() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node != "" {
		return nil
	}
	actual, err := e.center.PersistEphemeralSequential(registry.Join(ElectionRoot, candidatePrefix), e.id)
	if err != nil {
		return fmt.Errorf("create election candidate: %w", err)
	}
	e.node = path.Base(actual)
	e.logger.Info("joined election", zap.String("node", e.node))
	return nil
}

// Resign 移除候選節點
func (e *Elector) Resign() error {
	e.mu.Lock()
	node := e.node
	e.node = ""
	e.leader = false
	e.mu.Unlock()
	if node == "" {
		return nil
	}
	return e.center.Remove(registry.Join(ElectionRoot, node))
}

// IsLeader 自己的節點是否序號最小；節點已消失時回傳 ErrNotCampaigning
func (e *Elector) IsLeader() (bool, error) {
	e.mu.Lock()
	node := e.node
	e.mu.Unlock()
	if node == "" {
		return false, ErrNotCampaigning
	}

	children, err := e.center.GetChildrenKeys(ElectionRoot)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child == node {
			return children[0] == node, nil
		}
	}

	// 會話過期，節點已被清除
	e.mu.Lock()
	if e.node == node {
		e.node = ""
	}
	e.mu.Unlock()
	return false, ErrNotCampaigning
}

// Leader 目前 leader 的識別；沒有候選者時回傳空字串
func (e *Elector) Leader() (string, error) {
	children, err := e.center.GetChildrenKeys(ElectionRoot)
	if err != nil {
		return "", err
	}
	if len(children) == 0 {
		return "", nil
	}
	id, err := e.center.Get(registry.Join(ElectionRoot, children[0]))
	if errors.Is(err, registry.ErrNoNode) {
		return "", nil
	}
	return id, err
}

// Leading 最近一次檢查時是否為 leader
func (e *Elector) Leading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Run 參選並持續檢查，直到 ctx 結束
//
// 當選時呼叫 onElected；onElected 失敗會放棄這一輪並重新參選，讓其他協調器接手。
// 失去 leader 身分或 ctx 結束時呼叫 onRevoked。
func (e *Elector) Run(ctx context.Context, onElected func(context.Context) error, onRevoked func()) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		e.step(ctx, onElected, onRevoked)

		select {
		case <-ctx.Done():
			if e.Leading() {
				onRevoked()
			}
			if err := e.Resign(); err != nil && !errors.Is(err, registry.ErrClosed) {
				e.logger.Warn("resign failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Elector) step(ctx context.Context, onElected func(context.Context) error, onRevoked func()) {
	if err := e.Campaign(); err != nil {
		e.logger.Warn("campaign failed", zap.Error(err))
		return
	}

	leading, err := e.IsLeader()
	if err != nil && !errors.Is(err, ErrNotCampaigning) {
		e.logger.Warn("check leadership failed", zap.Error(err))
		return
	}

	was := e.Leading()
	switch {
	case leading && !was:
		e.setLeading(true)
		e.logger.Info("elected as leader")
		if err := onElected(ctx); err != nil {
			e.logger.Error("start as leader failed, resigning", zap.Error(err))
			onRevoked()
			if rerr := e.Resign(); rerr != nil {
				e.logger.Warn("resign failed", zap.Error(rerr))
			}
		}
	case !leading && was:
		e.setLeading(false)
		e.logger.Warn("leadership lost")
		onRevoked()
	}
}

func (e *Elector) setLeading(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leader = v
}
