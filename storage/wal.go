// Created by Yanjunhui

package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/monolite/localkv/codec"

	"github.com/monolite/localkv/internal/failpoint"
)

// OpKind WAL 记录的操作类型
// EN: OpKind is the operation type of a WAL record.
// 磁盘编码固定，不可重排
// EN: The on-disk encoding is stable across versions; do not reorder.
type OpKind uint32

const (
	OpInsert        OpKind = 0
	OpUpdate        OpKind = 1
	OpDelete        OpKind = 2
	OpCompareAndSet OpKind = 3
	OpTxBegin       OpKind = 4
	OpTxCommit      OpKind = 5
	OpTxRollback    OpKind = 6
)

// IsDataOp 是否为数据操作（非事务标记）
// EN: IsDataOp reports whether the kind is a data operation rather than a
// transaction marker.
func (k OpKind) IsDataOp() bool {
	return k == OpInsert || k == OpUpdate || k == OpDelete || k == OpCompareAndSet
}

// String 操作类型名
// EN: String returns the kind name.
func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpCompareAndSet:
		return "CAS"
	case OpTxBegin:
		return "TX_BEGIN"
	case OpTxCommit:
		return "TX_COMMIT"
	case OpTxRollback:
		return "TX_ROLLBACK"
	default:
		return fmt.Sprintf("OpKind(%d)", uint32(k))
	}
}

// WALEntry 一条 WAL 记录
// EN: WALEntry is one write-ahead-log record.
// Key/Value/OldValue 为 nil 表示槽位缺失（编码为长度 0）
// EN: Nil Key/Value/OldValue means the slot is absent (encoded as length 0).
// TimestampMs 仅供审计工具使用，引擎不解释它
// EN: TimestampMs exists for audit tooling only; the engine never interprets it.
type WALEntry[K, V any] struct {
	Sequence      uint64
	TransactionId uint64
	Op            OpKind
	TimestampMs   uint64
	Key           *K
	Value         *V
	OldValue      *V
}

// walClock WAL 时间戳来源，测试中可替换
// EN: walClock supplies WAL timestamps; replaceable in tests.
var walClock = func() uint64 {
	return uint64(time.Now().UnixMilli())
}

// FileWAL 基于文件的追加式 WAL
// EN: FileWAL is an append-only, file-backed write-ahead log.
//
// 磁盘布局：帧 = 4 字节大端长度 + 记录体
// EN: On-disk layout: frame = 4-byte big-endian length + record body:
//
//	seq(u64) | txid(u64) | op(u32) | ts_ms(u64)
//	| klen(u32) key | vlen(u32) new_value | olen(u32) old_value
//
// 追加由互斥锁串行化，磁盘顺序与序列号顺序一致
// EN: Appends are serialized by a mutex, so on-disk order matches sequence
// order. A record is durable only after Flush returns.
type FileWAL[K, V any] struct {
	path       string
	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	seq  uint64
}

// OpenWAL 打开或创建 WAL 文件
// EN: OpenWAL opens or creates the WAL file.
// 序列号计数器通过整文件扫描初始化为 max(sequence)
// EN: The sequence counter is initialized to max(sequence) by a full scan.
func OpenWAL[K, V any](path string, kc codec.Codec[K], vc codec.Codec[V]) (*FileWAL[K, V], error) {
	w := &FileWAL[K, V]{
		path:       path,
		keyCodec:   kc,
		valueCodec: vc,
	}

	if fi, err := os.Stat(path); err == nil {
		entries, validLen, err := w.readFrom(0)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Sequence > w.seq {
				w.seq = e.Sequence
			}
		}
		// 尾部残帧是崩溃点：截掉它，否则后续追加会躲在垃圾字节后面
		// EN: A torn tail frame is the crash point: truncate it, otherwise
		// later appends would hide behind the garbage bytes.
		if validLen < fi.Size() {
			logWarn("truncating torn WAL tail", map[string]interface{}{
				"path":     path,
				"fileSize": fi.Size(),
				"validLen": validLen,
			})
			if err := os.Truncate(path, validLen); err != nil {
				return nil, fmt.Errorf("failed to truncate torn WAL tail: %w", err)
			}
		}
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	w.file = file
	w.w = bufio.NewWriter(file)

	return w, nil
}

// Append 分配下一个序列号并追加记录（不刷盘）
// EN: Append assigns the next sequence number and appends the record
// (buffered, not yet durable).
// 记录的 Sequence 与 TimestampMs 字段由 Append 填充
// EN: Sequence and TimestampMs are filled in by Append.
func (w *FileWAL[K, V]) Append(e *WALEntry[K, V]) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	e.Sequence = w.seq
	if e.TimestampMs == 0 {
		e.TimestampMs = walClock()
	}

	body, err := w.encodeEntry(e)
	if err != nil {
		return err
	}

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(body)))
	if _, err := w.w.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to append WAL frame: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("failed to append WAL record: %w", err)
	}
	return nil
}

// Flush 将缓冲记录刷到磁盘
// EN: Flush makes all appended records durable (buffer flush + fsync).
func (w *FileWAL[K, V]) Flush() error {
	// 【FAILPOINT】用于测试 WAL 刷盘失败场景
	// EN: [FAILPOINT] used to test WAL sync failure paths.
	if err := failpoint.Hit("wal.sync"); err != nil {
		return fmt.Errorf("failpoint: wal.sync: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer: %w", err)
	}
	return w.file.Sync()
}

// ReadAll 顺序读取全部记录
// EN: ReadAll reads every record from the start of the file.
func (w *FileWAL[K, V]) ReadAll() ([]*WALEntry[K, V], error) {
	return w.ReadFromSequence(0)
}

// ReadFromSequence 读取序列号 ≥ s 的记录
// EN: ReadFromSequence reads records with sequence ≥ s.
// 尾部截断的帧视为崩溃点：忽略残缺记录并停止扫描
// EN: A torn frame at the tail is a crash point: the partial record is
// ignored and scanning stops. A malformed body is corruption.
func (w *FileWAL[K, V]) ReadFromSequence(s uint64) ([]*WALEntry[K, V], error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w != nil {
		if err := w.w.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush WAL buffer: %w", err)
		}
	}
	entries, _, err := w.readFrom(s)
	return entries, err
}

// readFrom 无锁读取（供初始化和持锁路径调用）
// EN: readFrom is the lock-free reader used during open and by locked paths.
// 第二个返回值是最后一个完整帧结束处的偏移
// EN: The second return value is the offset just past the last intact frame.
func (w *FileWAL[K, V]) readFrom(s uint64) ([]*WALEntry[K, V], int64, error) {
	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var entries []*WALEntry[K, V]
	var validLen int64

	for {
		var frame [4]byte
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// 尾部残帧：作为崩溃点处理
				// EN: Torn tail frame: treat as the crash point.
				break
			}
			return nil, 0, fmt.Errorf("failed to read WAL frame: %w", err)
		}

		length := binary.BigEndian.Uint32(frame[:])
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, 0, fmt.Errorf("failed to read WAL record: %w", err)
		}

		entry, err := w.decodeEntry(body)
		if err != nil {
			// 记录体损坏不是尾部截断，属于致命错误
			// EN: A malformed body (not a tail truncation) is fatal.
			return nil, 0, err
		}

		validLen += int64(4 + len(body))
		if entry.Sequence >= s {
			entries = append(entries, entry)
		}
	}

	return entries, validLen, nil
}

// TruncateBefore 仅保留序列号 ≥ s 的记录
// EN: TruncateBefore keeps only records with sequence ≥ s, by rewriting the
// surviving records to a fresh file and atomically replacing the old one.
func (w *FileWAL[K, V]) TruncateBefore(s uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return err
	}

	survivors, _, err := w.readFrom(s)
	if err != nil {
		return err
	}

	tmpPath := w.path + ".truncating"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create truncated WAL: %w", err)
	}

	bw := bufio.NewWriter(tmp)
	for _, e := range survivors {
		body, err := w.encodeEntry(e)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		var frame [4]byte
		binary.BigEndian.PutUint32(frame[:], uint32(len(body)))
		if _, err := bw.Write(frame[:]); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := bw.Write(body); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := w.file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("failed to replace WAL: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL: %w", err)
	}
	w.file = file
	w.w = bufio.NewWriter(file)
	return nil
}

// Close 刷盘并关闭
// EN: Close flushes and releases the file.
func (w *FileWAL[K, V]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// encodeEntry 序列化记录体
// EN: encodeEntry serializes a record body.
func (w *FileWAL[K, V]) encodeEntry(e *WALEntry[K, V]) ([]byte, error) {
	var buf bytes.Buffer
	writeUint64(&buf, e.Sequence)
	writeUint64(&buf, e.TransactionId)
	writeUint32(&buf, uint32(e.Op))
	writeUint64(&buf, e.TimestampMs)

	kb, err := encodeOptionalKey(w.keyCodec, e.Key)
	if err != nil {
		return nil, err
	}
	writeLengthPrefixed(&buf, kb)

	vb, err := encodeOptionalValue(w.valueCodec, e.Value)
	if err != nil {
		return nil, err
	}
	writeLengthPrefixed(&buf, vb)

	ob, err := encodeOptionalValue(w.valueCodec, e.OldValue)
	if err != nil {
		return nil, err
	}
	writeLengthPrefixed(&buf, ob)

	return buf.Bytes(), nil
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) {
	writeUint32(buf, uint32(len(data)))
	buf.Write(data)
}

func encodeOptionalKey[K any](kc codec.Codec[K], k *K) ([]byte, error) {
	if k == nil {
		return nil, nil
	}
	data, err := kc.Encode(*k)
	if err != nil {
		return nil, fmt.Errorf("failed to encode WAL key: %w", err)
	}
	return data, nil
}

func encodeOptionalValue[V any](vc codec.Codec[V], v *V) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := vc.Encode(*v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode WAL value: %w", err)
	}
	return data, nil
}

// decodeEntry 反序列化记录体
// EN: decodeEntry deserializes a record body.
func (w *FileWAL[K, V]) decodeEntry(body []byte) (*WALEntry[K, V], error) {
	r := &walReader{data: body}

	e := &WALEntry[K, V]{}
	var err error
	if e.Sequence, err = r.uint64(); err != nil {
		return nil, err
	}
	if e.TransactionId, err = r.uint64(); err != nil {
		return nil, err
	}
	op, err := r.uint32()
	if err != nil {
		return nil, err
	}
	e.Op = OpKind(op)
	if e.TimestampMs, err = r.uint64(); err != nil {
		return nil, err
	}

	kb, err := r.lengthPrefixed()
	if err != nil {
		return nil, err
	}
	if len(kb) > 0 {
		key, err := w.keyCodec.Decode(kb)
		if err != nil {
			return nil, fmt.Errorf("failed to decode WAL key: %w", err)
		}
		e.Key = &key
	}

	vb, err := r.lengthPrefixed()
	if err != nil {
		return nil, err
	}
	if len(vb) > 0 {
		value, err := w.valueCodec.Decode(vb)
		if err != nil {
			return nil, fmt.Errorf("failed to decode WAL value: %w", err)
		}
		e.Value = &value
	}

	ob, err := r.lengthPrefixed()
	if err != nil {
		return nil, err
	}
	if len(ob) > 0 {
		old, err := w.valueCodec.Decode(ob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode WAL old value: %w", err)
		}
		e.OldValue = &old
	}

	return e, nil
}

// walReader 带边界检查的记录体读取器
// EN: walReader reads record body fields with bounds checks.
// 越界一律视为记录体损坏
// EN: Any out-of-bounds read is body corruption.
type walReader struct {
	data []byte
	off  int
}

func (r *walReader) uint32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, corruptedRecord(r.off)
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *walReader) uint64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, corruptedRecord(r.off)
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *walReader) lengthPrefixed() ([]byte, error) {
	length, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int(length) > len(r.data)-r.off {
		return nil, corruptedRecord(r.off)
	}
	out := r.data[r.off : r.off+int(length)]
	r.off += int(length)
	return out, nil
}

func corruptedRecord(off int) error {
	return fmt.Errorf("%w: record body truncated at offset %d", ErrCorruptedWALRecord, off)
}

// IsCorruptedWALRecord 检查错误是否为 WAL 记录损坏
// EN: IsCorruptedWALRecord reports whether err indicates WAL body corruption.
func IsCorruptedWALRecord(err error) bool {
	return errors.Is(err, ErrCorruptedWALRecord)
}
