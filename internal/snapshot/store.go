package snapshot

// ============================================================================
// Registry 快照
//
// 本地 registry 的持久節點整棵寫成一個 JSON 檔；重啟時先載入快照，
// 再重放快照之後的變更日誌。寫入走「暫存檔 + fsync + rename」，
// 讀者只會看到完整的舊版或新版。
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const SchemaVersion = 1

var (
	ErrCorrupted           = errors.New("snapshot: undecodable file")
	ErrIncompatibleVersion = errors.New("snapshot: unsupported schema version")
)

// Data 快照內容；Nodes 為節點路徑到值的對應，LastSeq 為當時日誌的序號
type Data struct {
	Nodes     map[string]string `json:"nodes"`
	SchemaVer int               `json:"schema_ver"`
	LastSeq   uint64            `json:"last_seq"`
	TakenAt   time.Time         `json:"taken_at"`
}

type Manager struct {
	mu   sync.Mutex
	path string
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 覆寫快照
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replace(data)
}

// WriteWithBackup 先把現有快照留一份帶時間戳的副本，再覆寫；只保留最新 keep 份副本
func (m *Manager) WriteWithBackup(data Data, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keep > 0 {
		if current, err := os.ReadFile(m.path); err == nil {
			backup := m.path + "." + time.Now().Format("20060102_150405.000000")
			if err := os.WriteFile(backup, current, 0644); err != nil {
				return fmt.Errorf("snapshot: backup: %w", err)
			}
		}
	}
	if err := m.replace(data); err != nil {
		return err
	}

	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

// replace 呼叫者持有 m.mu
func (m *Manager) replace(data Data) (err error) {
	data.SchemaVer = SchemaVersion
	if data.Nodes == nil {
		data.Nodes = map[string]string{}
	}
	if data.TakenAt.IsZero() {
		data.TakenAt = time.Now().UTC()
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(raw); err != nil {
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("snapshot: sync temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp: %w", err)
	}
	if err = os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load 讀取快照；檔案不存在時回傳空的快照
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Data{Nodes: map[string]string{}, SchemaVer: SchemaVersion}, nil
	case err != nil:
		return Data{}, fmt.Errorf("snapshot: read: %w", err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: %d (want %d)", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Nodes == nil {
		data.Nodes = map[string]string{}
	}
	return data, nil
}

// Backups 現存副本，由舊到新
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
