// Package registry 提供協調器使用的階層式 key/value 註冊中心
//
// 兩種實作：
//   - MemoryCenter：行程內的樹，可選擇以 WAL + 快照持久化（單機模式）
//   - ZookeeperCenter：ZooKeeper 叢集（多協調器 HA 模式）
package registry

import (
	"errors"
	"path"
	"strings"
)

var (
	// ErrNoNode 節點不存在
	ErrNoNode = errors.New("registry: node does not exist")
	// ErrClosed 註冊中心已關閉
	ErrClosed = errors.New("registry: closed")
	// ErrInvalidPath 路徑必須是以 / 開頭的絕對路徑
	ErrInvalidPath = errors.New("registry: invalid path")
)

// Center 註冊中心
//
// 所有路徑皆為絕對路徑（/a/b/c）。寫入時自動建立不存在的父節點，
// 刪除不存在的節點不是錯誤。
type Center interface {
	// Get 讀取節點值，不存在時回傳 ErrNoNode
	Get(path string) (string, error)
	IsExisted(path string) (bool, error)
	// Persist 建立或覆寫持久節點
	Persist(path, value string) error
	// PersistEphemeral 建立或覆寫臨時節點，會話結束時消失
	PersistEphemeral(path, value string) error
	// PersistEphemeralSequential 在 path 後附加遞增序號建立臨時節點，回傳實際路徑
	PersistEphemeralSequential(path, value string) (string, error)
	// Remove 遞迴刪除節點與其所有子節點
	Remove(path string) error
	// GetChildrenKeys 回傳排序後的直接子節點名稱，父節點不存在時回傳空集合
	GetChildrenKeys(path string) ([]string, error)
	Close() error
}

// Join 組合註冊中心路徑
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

func validatePath(p string) error {
	if !strings.HasPrefix(p, "/") || (len(p) > 1 && strings.HasSuffix(p, "/")) {
		return ErrInvalidPath
	}
	if path.Clean(p) != p {
		return ErrInvalidPath
	}
	return nil
}

// parentOf "/a/b" → "/a"；"/a" → "/"
func parentOf(p string) string {
	return path.Dir(p)
}

// ancestorsOf 由上而下列出所有祖先（不含 "/" 與自己）
func ancestorsOf(p string) []string {
	var out []string
	for dir := parentOf(p); dir != "/"; dir = parentOf(dir) {
		out = append([]string{dir}, out...)
	}
	return out
}
