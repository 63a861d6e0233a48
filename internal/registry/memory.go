package registry

// ============================================================================
// 本地註冊中心
// 職責：
// 1. 行程內維護節點樹（持久節點 + 會話擁有的臨時節點）
// 2. 可選擇持久化：每次變更先寫 WAL 再套用（Write-Ahead）
// 3. Compact：寫入快照並旋轉 WAL
// 4. 開啟時：載入快照 → 重放 WAL
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/snapshot"
	"github.com/ChuLiYu/beaver-cloud/internal/storage/wal"
)

const (
	journalFile  = "registry.wal"
	snapshotFile = "registry.snapshot"
	keepBackups  = 3
)

type memoryNode struct {
	value string
	owner int64 // 0 表示持久節點，其餘為擁有該臨時節點的會話
}

// memoryTree 多個會話共享的節點樹
type memoryTree struct {
	mu          sync.RWMutex
	nodes       map[string]memoryNode
	sequences   map[string]int64
	nextSession int64
	closed      bool

	journal   *wal.WAL          // nil 表示純記憶體
	snapshots *snapshot.Manager // nil 表示純記憶體
	logger    *zap.Logger
}

// MemoryCenter 行程內註冊中心的一個會話
type MemoryCenter struct {
	tree    *memoryTree
	session int64
	primary bool

	mu     sync.Mutex
	closed bool
}

var _ Center = (*MemoryCenter)(nil)

// NewMemoryCenter 建立純記憶體的註冊中心
func NewMemoryCenter() *MemoryCenter {
	return newPrimary(&memoryTree{
		nodes:     make(map[string]memoryNode),
		sequences: make(map[string]int64),
		logger:    zap.NewNop(),
	})
}

// OpenLocal 開啟以 dir 下的快照與 WAL 持久化的註冊中心
func OpenLocal(dir string, logger *zap.Logger) (*MemoryCenter, error) {
	logger = logging.OrNop(logger).Named("registry")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	start := time.Now()
	snapshots := snapshot.NewManager(filepath.Join(dir, snapshotFile))
	data, err := snapshots.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry snapshot: %w", err)
	}

	tree := &memoryTree{
		nodes:     make(map[string]memoryNode, len(data.Nodes)),
		sequences: make(map[string]int64),
		snapshots: snapshots,
		logger:    logger,
	}
	for p, v := range data.Nodes {
		tree.nodes[p] = memoryNode{value: v}
	}

	journal, err := wal.Open(filepath.Join(dir, journalFile), wal.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("open registry journal: %w", err)
	}

	// 快照之後若在旋轉前崩潰，WAL 仍含快照前的事件；事件皆為冪等覆寫，重放結果相同
	replayed := 0
	err = journal.Replay(func(e wal.Event) error {
		replayed++
		switch e.Type {
		case wal.EventPersist:
			tree.applyPersist(e.Path, e.Value, 0)
		case wal.EventRemove:
			tree.applyRemove(e.Path)
		default:
			return fmt.Errorf("%w: unknown event type %q at seq %d", wal.ErrCorrupted, e.Type, e.Seq)
		}
		return nil
	})
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("replay registry journal: %w", err)
	}
	tree.journal = journal

	logger.Info("local registry recovered",
		zap.String("dir", dir),
		zap.Int("snapshot_nodes", len(data.Nodes)),
		zap.Uint64("snapshot_seq", data.LastSeq),
		zap.Int("replayed_events", replayed),
		zap.Duration("duration", time.Since(start)))

	return newPrimary(tree), nil
}

func newPrimary(tree *memoryTree) *MemoryCenter {
	tree.nextSession++
	return &MemoryCenter{tree: tree, session: tree.nextSession, primary: true}
}

// NewSession 開啟共享同一棵樹的新會話，會話關閉時只清除自己的臨時節點
func (m *MemoryCenter) NewSession() *MemoryCenter {
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	m.tree.nextSession++
	return &MemoryCenter{tree: m.tree, session: m.tree.nextSession}
}

func (m *MemoryCenter) check() error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.tree.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryCenter) Get(p string) (string, error) {
	if err := validatePath(p); err != nil {
		return "", fmt.Errorf("%w: %q", err, p)
	}
	m.tree.mu.RLock()
	defer m.tree.mu.RUnlock()
	if err := m.check(); err != nil {
		return "", err
	}
	n, ok := m.tree.nodes[p]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	return n.value, nil
}

func (m *MemoryCenter) IsExisted(p string) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, fmt.Errorf("%w: %q", err, p)
	}
	m.tree.mu.RLock()
	defer m.tree.mu.RUnlock()
	if err := m.check(); err != nil {
		return false, err
	}
	_, ok := m.tree.nodes[p]
	return ok, nil
}

func (m *MemoryCenter) Persist(p, value string) error {
	if err := validatePath(p); err != nil {
		return fmt.Errorf("%w: %q", err, p)
	}
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.tree.journal != nil {
		if err := m.tree.journal.Append(wal.EventPersist, p, value); err != nil {
			return fmt.Errorf("journal persist %s: %w", p, err)
		}
	}
	m.tree.applyPersist(p, value, 0)
	return nil
}

func (m *MemoryCenter) PersistEphemeral(p, value string) error {
	if err := validatePath(p); err != nil {
		return fmt.Errorf("%w: %q", err, p)
	}
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.tree.applyPersist(p, value, m.session)
	return nil
}

func (m *MemoryCenter) PersistEphemeralSequential(p, value string) (string, error) {
	if err := validatePath(p); err != nil {
		return "", fmt.Errorf("%w: %q", err, p)
	}
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	if err := m.check(); err != nil {
		return "", err
	}
	parent := parentOf(p)
	seq := m.tree.sequences[parent]
	m.tree.sequences[parent] = seq + 1
	actual := fmt.Sprintf("%s%010d", p, seq)
	m.tree.applyPersist(actual, value, m.session)
	return actual, nil
}

func (m *MemoryCenter) Remove(p string) error {
	if err := validatePath(p); err != nil {
		return fmt.Errorf("%w: %q", err, p)
	}
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if !m.tree.hasSubtree(p) {
		return nil
	}
	if m.tree.journal != nil {
		if err := m.tree.journal.Append(wal.EventRemove, p, ""); err != nil {
			return fmt.Errorf("journal remove %s: %w", p, err)
		}
	}
	m.tree.applyRemove(p)
	return nil
}

func (m *MemoryCenter) GetChildrenKeys(p string) ([]string, error) {
	if err := validatePath(p); err != nil {
		return nil, fmt.Errorf("%w: %q", err, p)
	}
	m.tree.mu.RLock()
	defer m.tree.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	prefix := childPrefix(p)
	children := []string{}
	for key := range m.tree.nodes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	return children, nil
}

// Compact 將目前的持久節點寫成快照並旋轉 WAL；純記憶體模式下不做任何事
func (m *MemoryCenter) Compact() error {
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.tree.journal == nil {
		return nil
	}

	data := snapshot.Data{
		Nodes:   make(map[string]string, len(m.tree.nodes)),
		LastSeq: m.tree.journal.GetLastSeq(),
	}
	for p, n := range m.tree.nodes {
		if n.owner == 0 {
			data.Nodes[p] = n.value
		}
	}
	if err := m.tree.snapshots.WriteWithBackup(data, keepBackups); err != nil {
		return fmt.Errorf("write registry snapshot: %w", err)
	}
	if err := m.tree.journal.Rotate(); err != nil {
		return fmt.Errorf("rotate registry journal: %w", err)
	}
	m.tree.logger.Info("registry compacted", zap.Int("nodes", len(data.Nodes)), zap.Uint64("last_seq", data.LastSeq))
	return nil
}

// Durable 是否以 WAL 持久化
func (m *MemoryCenter) Durable() bool {
	return m.tree.journal != nil
}

// Close 清除本會話的臨時節點；主會話同時關閉 WAL
func (m *MemoryCenter) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	for p, n := range m.tree.nodes {
		if n.owner == m.session {
			m.tree.applyRemove(p)
		}
	}
	if !m.primary || m.tree.closed {
		return nil
	}
	m.tree.closed = true
	if m.tree.journal != nil {
		return m.tree.journal.Close()
	}
	return nil
}

// applyPersist 假設調用者已持有寫鎖
func (t *memoryTree) applyPersist(p, value string, owner int64) {
	for _, dir := range ancestorsOf(p) {
		if _, ok := t.nodes[dir]; !ok {
			t.nodes[dir] = memoryNode{}
		}
	}
	t.nodes[p] = memoryNode{value: value, owner: owner}
}

// applyRemove 假設調用者已持有寫鎖
func (t *memoryTree) applyRemove(p string) {
	prefix := childPrefix(p)
	for key := range t.nodes {
		if key == p || strings.HasPrefix(key, prefix) {
			delete(t.nodes, key)
		}
	}
}

func (t *memoryTree) hasSubtree(p string) bool {
	if _, ok := t.nodes[p]; ok {
		return true
	}
	prefix := childPrefix(p)
	for key := range t.nodes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func childPrefix(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}
