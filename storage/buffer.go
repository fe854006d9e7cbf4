// Created by Yanjunhui

package storage

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/monolite/localkv/internal/failpoint"
)

// DefaultBufferPoolSize 默认缓冲池容量（1000 页 ≈ 4MB）
// EN: DefaultBufferPoolSize is the default pool capacity (1000 pages ≈ 4MB).
const DefaultBufferPoolSize = 1000

// BufferPool 有界页面缓存
// EN: BufferPool is a bounded page cache with pin/unpin discipline.
//
// 常驻页保存在 pages 映射中（查找的唯一事实来源）。
// 未被 pin 的常驻页同时登记在 ristretto 缓存里，由它按近似 LRU
// 决定淘汰哪一页；淘汰回调先把脏页写回磁盘再移除常驻记录。
// 页面被 pin 时会从 ristretto 中摘除，因此被 pin 的页面永远不会被淘汰。
//
// EN: Resident pages live in the pages map (the single source of truth for
// lookups). Unpinned resident pages are additionally registered in a
// ristretto cache, which picks eviction victims with its approximate-LRU
// policy; the eviction callback writes dirty pages back before dropping
// residency. Pinning removes a page from ristretto, so pinned pages can
// never be evicted.
type BufferPool struct {
	disk     *DiskManager
	capacity int
	mu       sync.RWMutex
	pages    map[PageId]*Page
	known    map[PageId]struct{}
	lru      *ristretto.Cache[uint64, *Page]
}

// NewBufferPool 创建缓冲池
// EN: NewBufferPool creates a buffer pool over the given disk manager.
func NewBufferPool(disk *DiskManager, capacity int) (*BufferPool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer pool capacity must be positive: %d", capacity)
	}

	bp := &BufferPool{
		disk:     disk,
		capacity: capacity,
		pages:    make(map[PageId]*Page),
		known:    make(map[PageId]struct{}),
	}

	lru, err := ristretto.NewCache(&ristretto.Config[uint64, *Page]{
		NumCounters: int64(capacity) * 10,
		MaxCost:     int64(capacity),
		BufferItems: 64,
		OnEvict:     bp.onEvict,
		OnReject:    bp.onEvict,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}
	bp.lru = lru

	return bp, nil
}

// onEvict 淘汰回调：写回脏页后移除常驻记录
// EN: onEvict is the eviction callback: write back dirty contents, then drop
// residency.
// 写回失败时页面保留在缓冲池中等待下一次尝试
// EN: On write-back failure the page stays resident until the next attempt.
func (bp *BufferPool) onEvict(item *ristretto.Item[*Page]) {
	p := item.Value
	if p == nil {
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	// 被重新 pin 的页面不允许淘汰；下次 unpin 归零时会重新进入 LRU
	// EN: A page re-pinned since the eviction decision must not be evicted;
	// it re-enters the LRU on its next unpin-to-zero.
	if p.IsPinned() {
		return
	}

	if p.IsDirty() {
		if err := failpoint.Hit("buffer.evict"); err != nil {
			logWarn("eviction write-back failed", map[string]interface{}{
				"pageId": int64(p.Id()),
				"error":  err.Error(),
			})
			bp.lru.Set(uint64(p.Id()), p, 1)
			return
		}
		if err := bp.disk.WritePage(p); err != nil {
			logWarn("eviction write-back failed", map[string]interface{}{
				"pageId": int64(p.Id()),
				"error":  err.Error(),
			})
			bp.lru.Set(uint64(p.Id()), p, 1)
			return
		}
	}

	delete(bp.pages, p.Id())
}

// FetchPage 获取页面（必要时从磁盘加载），返回前已 pin
// EN: FetchPage returns the page, loading from disk if needed. The page is
// pinned; the caller must UnpinPage it.
func (bp *BufferPool) FetchPage(id PageId) (*Page, error) {
	if !id.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageId, id)
	}

	bp.mu.RLock()
	if p, ok := bp.pages[id]; ok {
		p.Pin()
		bp.lru.Del(uint64(id))
		bp.mu.RUnlock()
		return p, nil
	}
	bp.mu.RUnlock()

	bp.mu.Lock()
	defer bp.mu.Unlock()

	// 双重检查：其他调用者可能已经加载
	// EN: Double check: another caller may have loaded it.
	if p, ok := bp.pages[id]; ok {
		p.Pin()
		bp.lru.Del(uint64(id))
		return p, nil
	}

	p, err := bp.disk.ReadPage(id)
	if err != nil {
		return nil, err
	}
	p.Pin()
	bp.pages[id] = p
	bp.known[id] = struct{}{}
	return p, nil
}

// NewPage 分配新页号并实例化空页面，返回前已 pin
// EN: NewPage allocates a fresh page id and instantiates an empty pinned page.
// 缓冲池满且没有可淘汰页面时返回 ErrBufferPoolExhausted
// EN: Fails with ErrBufferPoolExhausted when the pool is full and nothing can
// be evicted.
func (bp *BufferPool) NewPage() (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.pages) >= bp.capacity {
		evictable := false
		for _, p := range bp.pages {
			if !p.IsPinned() {
				evictable = true
				break
			}
		}
		if !evictable {
			return nil, ErrBufferPoolExhausted
		}
	}

	id := bp.disk.AllocatePageId()
	p := NewPage(id)
	p.Pin()
	bp.pages[id] = p
	bp.known[id] = struct{}{}
	return p, nil
}

// UnpinPage 减少页面 pin 计数
// EN: UnpinPage decrements the pin count; with dirty=true the page is marked
// modified first.
// 对从未见过的页号 unpin 是错误；对已淘汰页号 unpin 是无害操作（记警告）
// EN: Unpinning an unknown id is an error; unpinning an evicted id is a no-op
// with a warning.
func (bp *BufferPool) UnpinPage(id PageId, dirty bool) error {
	bp.mu.RLock()
	_, wasKnown := bp.known[id]
	p, resident := bp.pages[id]
	bp.mu.RUnlock()

	if !wasKnown {
		return fmt.Errorf("%w: %d", ErrUnknownPage, id)
	}
	if !resident {
		logWarn("unpin of evicted page", map[string]interface{}{"pageId": int64(id)})
		return nil
	}

	if dirty {
		p.MarkDirty()
	}
	n, err := p.Unpin()
	if err != nil {
		return err
	}
	if n == 0 {
		// pin 归零后进入 LRU，成为淘汰候选
		// EN: At pin count 0 the page enters the LRU and becomes evictable.
		bp.lru.Set(uint64(id), p, 1)
	}
	return nil
}

// FlushPage 将指定脏页写入磁盘
// EN: FlushPage writes the given page to disk if dirty.
func (bp *BufferPool) FlushPage(id PageId) error {
	bp.mu.RLock()
	p, ok := bp.pages[id]
	bp.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPage, id)
	}
	if p.IsDirty() {
		return bp.disk.WritePage(p)
	}
	return nil
}

// FlushAll 将所有脏页写入磁盘
// EN: FlushAll writes every dirty resident page to disk.
func (bp *BufferPool) FlushAll() error {
	// 先排空待处理的淘汰，避免与写回竞争
	// EN: Drain pending evictions first so write-backs do not race.
	bp.lru.Wait()

	bp.mu.RLock()
	dirty := make([]*Page, 0)
	for _, p := range bp.pages {
		if p.IsDirty() {
			dirty = append(dirty, p)
		}
	}
	bp.mu.RUnlock()

	for _, p := range dirty {
		if err := bp.disk.WritePage(p); err != nil {
			return err
		}
	}
	return nil
}

// Size 返回缓冲池中的常驻页数
// EN: Size returns the number of resident pages.
func (bp *BufferPool) Size() int {
	bp.lru.Wait()
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return len(bp.pages)
}

// Capacity 返回缓冲池容量
// EN: Capacity returns the pool capacity.
func (bp *BufferPool) Capacity() int {
	return bp.capacity
}

// Stats 返回缓冲池使用情况描述
// EN: Stats returns a human-readable usage string.
func (bp *BufferPool) Stats() string {
	return fmt.Sprintf("Buffer Pool: %d/%d pages", bp.Size(), bp.capacity)
}

// Close 刷盘并释放缓存
// EN: Close flushes all dirty pages and releases the cache.
func (bp *BufferPool) Close() error {
	if err := bp.FlushAll(); err != nil {
		return err
	}
	bp.lru.Close()
	return nil
}
