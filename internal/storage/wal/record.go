package wal

// ============================================================================
// 日誌記錄格式
// 每行一筆 JSON 記錄，描述 registry 樹上一個節點的寫入或刪除
// ============================================================================

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

var (
	ErrCorrupted        = errors.New("wal: undecodable record")
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrEmpty            = errors.New("wal: no records")
	ErrClosed           = errors.New("wal: closed")
)

// EventType 記錄種類
type EventType string

const (
	EventPersist EventType = "PERSIST" // 建立或覆寫節點
	EventRemove  EventType = "REMOVE"  // 刪除節點及其子樹
)

// Event 一筆日誌記錄
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Path      string    `json:"path"`
	Value     string    `json:"value,omitempty"`
	Timestamp int64     `json:"timestamp"` // unix 毫秒
	Checksum  uint32    `json:"checksum"`
}

// EventHandler 重放時逐筆套用記錄
type EventHandler func(event Event) error

// ChecksumError 記錄內容與校驗和不符
type ChecksumError struct {
	Seq       uint64
	Want, Got uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: record %d checksum 0x%08x, stored 0x%08x", e.Seq, e.Want, e.Got)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CalculateChecksum 以 NUL 分隔 type、path、value、seq 後計算 CRC32；時間戳不參與
func CalculateChecksum(eventType EventType, path, value string, seq uint64) uint32 {
	var b strings.Builder
	for _, part := range []string{string(eventType), path, value} {
		b.WriteString(part)
		b.WriteByte(0)
	}
	b.WriteString(strconv.FormatUint(seq, 10))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

func (e Event) verify() error {
	if want := CalculateChecksum(e.Type, e.Path, e.Value, e.Seq); want != e.Checksum {
		return &ChecksumError{Seq: e.Seq, Want: want, Got: e.Checksum}
	}
	return nil
}
