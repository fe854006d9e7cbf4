// Created by Yanjunhui

package storage

import "errors"

// 存储层哨兵错误
// EN: Storage-layer sentinel errors.
// 上层（engine）会把这些错误映射为带错误码的 EngineError
// EN: The engine layer wraps these into coded errors.
var (
	// ErrInvalidPageId 对无效页号执行操作
	// EN: ErrInvalidPageId is returned for operations on the INVALID page id.
	ErrInvalidPageId = errors.New("invalid page id")

	// ErrBufferPoolExhausted 缓冲池已满且所有页面都被 pin
	// EN: ErrBufferPoolExhausted means the pool is full and every page is pinned.
	ErrBufferPoolExhausted = errors.New("buffer pool is full and all pages are pinned")

	// ErrUnknownPage 对缓冲池从未见过的页面执行 unpin
	// EN: ErrUnknownPage means unpinning a page the pool never created or fetched.
	ErrUnknownPage = errors.New("page not in buffer pool")

	// ErrCorruptedNode 节点页头无法解析
	// EN: ErrCorruptedNode indicates an unparseable node page.
	ErrCorruptedNode = errors.New("corrupted node page")

	// ErrCorruptedWALRecord WAL 记录体损坏（非尾部截断）
	// EN: ErrCorruptedWALRecord indicates a malformed WAL record body
	// (as opposed to a torn frame at the tail, which is tolerated).
	ErrCorruptedWALRecord = errors.New("corrupted WAL record")
)
