package wal

// ============================================================================
// Registry 變更日誌
//
// 本地 registry 每次寫入或刪除節點，先在此追加一筆記錄再改記憶體樹；
// 啟動時以快照為基底重放日誌，快照寫入成功後旋轉日誌。
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Options 批次寫入設定
type Options struct {
	SyncOnAppend  bool          // 每筆追加都 fsync
	BufferSize    int           // 累積多少筆就寫出
	FlushInterval time.Duration // 距上次寫出超過此時間就寫出
}

// DefaultOptions registry 寫入量小，預設逐筆同步
func DefaultOptions() Options {
	return Options{SyncOnAppend: true, BufferSize: 256, FlushInterval: time.Second}
}

// WAL 追加式日誌檔
type WAL struct {
	path string
	opts Options

	mu        sync.Mutex
	f         *os.File
	enc       *json.Encoder
	seq       uint64
	pending   []Event
	flushedAt time.Time
	closed    bool
}

// Open 開啟日誌，序號接續檔案中最後一筆記錄
func Open(path string, opts Options) (*WAL, error) {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}

	var seq uint64
	switch last, err := GetLastEvent(path); {
	case err == nil:
		seq = last.Seq
	case errors.Is(err, ErrEmpty), errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	w := &WAL{path: path, opts: opts, seq: seq}
	if err := w.openFile(os.O_CREATE | os.O_APPEND | os.O_WRONLY); err != nil {
		return nil, err
	}
	w.pending = make([]Event, 0, opts.BufferSize)
	return w, nil
}

func (w *WAL) openFile(flag int) error {
	f, err := os.OpenFile(w.path, flag, 0644)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", w.path, err)
	}
	w.f, w.enc, w.flushedAt = f, json.NewEncoder(f), time.Now()
	return nil
}

// Append 追加一筆記錄
func (w *WAL) Append(eventType EventType, path, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	w.seq++
	w.pending = append(w.pending, Event{
		Seq:       w.seq,
		Type:      eventType,
		Path:      path,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  CalculateChecksum(eventType, path, value, w.seq),
	})

	if w.opts.SyncOnAppend || len(w.pending) >= w.opts.BufferSize || time.Since(w.flushedAt) > w.opts.FlushInterval {
		return w.flush()
	}
	return nil
}

// Replay 依序套用所有記錄；校驗失敗或 handler 出錯即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flush(); err != nil {
		return err
	}
	return scan(w.path, handler)
}

// Rotate 舊日誌改名保留，之後從序號 0 重新開始；僅在快照落盤後呼叫
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path, w.path+"."+time.Now().Format("20060102_150405.000")); err != nil {
		return err
	}
	if err := w.openFile(os.O_CREATE | os.O_TRUNC | os.O_APPEND | os.O_WRONLY); err != nil {
		return err
	}
	w.seq = 0
	w.pending = w.pending[:0]
	return nil
}

// Close 寫出緩衝後關閉；重複呼叫無作用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.closed = true
	return w.f.Close()
}

// GetLastSeq 目前的序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *WAL) Path() string { return w.path }

// flush 呼叫者持有 w.mu
func (w *WAL) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	for i := range w.pending {
		if err := w.enc.Encode(&w.pending[i]); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	w.flushedAt = time.Now()
	return w.f.Sync()
}

func scan(path string, handler EventHandler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var e Event
		switch err := dec.Decode(&e); {
		case err == io.EOF:
			return nil
		case err != nil:
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if err := e.verify(); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
}

// GetLastEvent 掃描整個檔案取最後一筆；沒有記錄時回傳 ErrEmpty
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	if err := scan(path, func(e Event) error {
		last = &e
		return nil
	}); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmpty
	}
	return last, nil
}

// CountEvents 檔案中的記錄數
func CountEvents(path string) (int, error) {
	n := 0
	err := scan(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}
