package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// ErrUnknownAgent offer 所屬的 agent 不在集合中
var ErrUnknownAgent = errors.New("unknown agent")

// AgentSet 把多個 agent 合併成一個：彙總 offer，依 AgentID 轉送任務
//
// 本地 agent 與 gRPC 遠端 agent 註冊表都是成員。
type AgentSet struct {
	mu      sync.RWMutex
	members []Agent
	owners  map[string]Agent // agent id -> 上一次提供此 id offer 的成員
}

// NewAgentSet 建立 agent 集合
func NewAgentSet(members ...Agent) *AgentSet {
	return &AgentSet{members: members, owners: make(map[string]Agent)}
}

// Add 加入成員
func (s *AgentSet) Add(member Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append(s.members, member)
}

// Offers 收集全部成員的 offer；部分成員失敗時仍回傳其他成員的 offer
func (s *AgentSet) Offers(ctx context.Context) ([]Offer, error) {
	s.mu.RLock()
	members := append([]Agent(nil), s.members...)
	s.mu.RUnlock()

	var (
		offers []Offer
		errs   error
		owners = make(map[string]Agent)
	)
	for _, member := range members {
		got, err := member.Offers(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, offer := range got {
			owners[offer.AgentID] = member
		}
		offers = append(offers, got...)
	}

	s.mu.Lock()
	s.owners = owners
	s.mu.Unlock()

	if len(offers) == 0 && errs != nil {
		return nil, errs
	}
	return offers, nil
}

// Launch 交給提供該 agent offer 的成員
func (s *AgentSet) Launch(ctx context.Context, task LaunchTask) error {
	s.mu.RLock()
	member, ok := s.owners[task.AgentID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, task.AgentID)
	}
	return member.Launch(ctx, task)
}
