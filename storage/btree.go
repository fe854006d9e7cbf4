// Created by Yanjunhui

package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/monolite/localkv/codec"
)

// BPlusTree 基于页面的磁盘 B+Tree
// EN: BPlusTree is a disk-resident B+Tree whose nodes live on fixed-size
// pages, reached through the buffer pool.
//
// 结构不变式：
// EN: Structural invariants:
//   - 节点内键严格递增
//     EN: keys within a node are strictly increasing
//   - k 个键的内部节点有 k+1 个子节点；child[i] 中的键 < keys[i] ≤ child[i+1]
//     EN: an internal node with k keys has k+1 children, partitioned by keys
//   - 叶子通过 next 指针按键序链接
//     EN: leaves are chained left-to-right in key order
//   - 节点最多持有 order 个键，超出即分裂
//     EN: a node holds at most order keys; exceeding it splits
//
// 删除不做借用/合并，只在内部根节点清空时收缩根
// EN: Delete performs no borrow/merge; the only structural response is root
// shrink when an internal root becomes empty.
type BPlusTree[K, V any] struct {
	order      int
	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]
	compare    codec.Comparator[K]
	disk       *DiskManager
	pool       *BufferPool
	rootPageId PageId
}

// insertResult 节点插入的返回值
// EN: insertResult reports whether a split propagated upward.
type insertResult[K any] struct {
	split       bool
	promotedKey K
	newPageId   PageId
}

// deleteResult 节点删除的返回值
// EN: deleteResult reports deletion and best-effort underflow.
type deleteResult struct {
	deleted   bool
	underflow bool
}

// Pair 一个键值对
// EN: Pair is a key-value pair, used by full-tree extraction.
type Pair[K, V any] struct {
	Key   K
	Value V
}

// OpenBPlusTree 打开或创建 B+Tree 文件
// EN: OpenBPlusTree opens or creates a B+Tree file.
// 空文件会初始化元数据页（第 0 页）和空叶子根节点（第 1 页）
// EN: An empty file is initialized with the metadata page (page 0) and an
// empty root leaf (page 1).
func OpenBPlusTree[K, V any](path string, order int, kc codec.Codec[K], vc codec.Codec[V], cmp codec.Comparator[K], poolSize int) (*BPlusTree[K, V], error) {
	if order < 2 {
		return nil, fmt.Errorf("tree order must be at least 2: %d", order)
	}

	disk, err := OpenDiskManager(path)
	if err != nil {
		return nil, err
	}
	pool, err := NewBufferPool(disk, poolSize)
	if err != nil {
		disk.Close()
		return nil, err
	}

	t := &BPlusTree[K, V]{
		order:      order,
		keyCodec:   kc,
		valueCodec: vc,
		compare:    cmp,
		disk:       disk,
		pool:       pool,
	}

	if err := t.initialize(); err != nil {
		pool.Close()
		disk.Close()
		return nil, err
	}

	return t, nil
}

// initialize 建立或加载根节点
// EN: initialize creates or loads the root node.
func (t *BPlusTree[K, V]) initialize() error {
	size, err := t.disk.FileSize()
	if err != nil {
		return err
	}

	if size == 0 {
		metaPage, err := t.pool.NewPage()
		if err != nil {
			return err
		}
		rootPage, err := t.pool.NewPage()
		if err != nil {
			return err
		}
		t.rootPageId = rootPage.Id()

		root := newLeafNode[K, V](t.rootPageId)
		data, err := encodeNode(root, t.keyCodec, t.valueCodec)
		if err != nil {
			return err
		}
		if err := rootPage.WriteData(data); err != nil {
			return err
		}
		if err := t.pool.UnpinPage(rootPage.Id(), true); err != nil {
			return err
		}
		if err := t.pool.UnpinPage(metaPage.Id(), false); err != nil {
			return err
		}
		return t.writeRootPageId()
	}

	t.rootPageId, err = t.readRootPageId()
	return err
}

// readRootPageId 从元数据页读取根页号
// EN: readRootPageId loads the root page id from the metadata page.
func (t *BPlusTree[K, V]) readRootPageId() (PageId, error) {
	page, err := t.pool.FetchPage(MetadataPageId)
	if err != nil {
		return InvalidPageId, err
	}
	defer t.pool.UnpinPage(MetadataPageId, false)

	data := page.ReadData()
	if len(data) < 8 {
		// 元数据缺失时退回第 1 页
		// EN: Fall back to page 1 when metadata is missing.
		return PageId(1), nil
	}
	return PageId(int64(binary.BigEndian.Uint64(data[:8]))), nil
}

// writeRootPageId 将根页号写入元数据页
// EN: writeRootPageId stores the root page id in the metadata page.
func (t *BPlusTree[K, V]) writeRootPageId() error {
	page, err := t.pool.FetchPage(MetadataPageId)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.rootPageId))
	if err := page.WriteData(buf); err != nil {
		t.pool.UnpinPage(MetadataPageId, false)
		return err
	}
	return t.pool.UnpinPage(MetadataPageId, true)
}

// readNode 从页面物化节点
// EN: readNode materializes the node stored on a page.
func (t *BPlusTree[K, V]) readNode(id PageId) (*treeNode[K, V], error) {
	page, err := t.pool.FetchPage(id)
	if err != nil {
		return nil, err
	}
	data := page.ReadData()
	if err := t.pool.UnpinPage(id, false); err != nil {
		return nil, err
	}
	return decodeNode[K, V](id, data, t.keyCodec, t.valueCodec)
}

// writeNode 将节点序列化回它的页面
// EN: writeNode serializes the node back into its page.
func (t *BPlusTree[K, V]) writeNode(n *treeNode[K, V]) error {
	data, err := encodeNode(n, t.keyCodec, t.valueCodec)
	if err != nil {
		return err
	}
	page, err := t.pool.FetchPage(n.pageId)
	if err != nil {
		return err
	}
	if err := page.WriteData(data); err != nil {
		t.pool.UnpinPage(n.pageId, false)
		return err
	}
	return t.pool.UnpinPage(n.pageId, true)
}

// findKeyIndex 叶子内二分查找：返回命中下标或插入位置
// EN: findKeyIndex binary-searches a node, returning the match index or the
// insertion point.
func (t *BPlusTree[K, V]) findKeyIndex(n *treeNode[K, V], key K) int {
	lo, hi := 0, len(n.keys)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		cmp := t.compare(key, n.keys[mid])
		switch {
		case cmp == 0:
			return mid
		case cmp < 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return lo
}

// findChildIndex 内部节点的下降分支：key ≥ keys[i] 时继续右移
// EN: findChildIndex picks the descend branch: advance while key ≥ keys[i].
func (t *BPlusTree[K, V]) findChildIndex(n *treeNode[K, V], key K) int {
	idx := 0
	for idx < len(n.keys) && t.compare(key, n.keys[idx]) >= 0 {
		idx++
	}
	return idx
}

// Search 点查
// EN: Search performs a point lookup.
func (t *BPlusTree[K, V]) Search(key K) (V, bool, error) {
	var zero V
	n, err := t.readNode(t.rootPageId)
	if err != nil {
		return zero, false, err
	}

	for !n.isLeaf {
		child := n.children[t.findChildIndex(n, key)]
		n, err = t.readNode(child)
		if err != nil {
			return zero, false, err
		}
	}

	idx := t.findKeyIndex(n, key)
	if idx < len(n.keys) && t.compare(n.keys[idx], key) == 0 {
		return n.values[idx], true, nil
	}
	return zero, false, nil
}

// Insert 插入或覆盖（同键写入为更新）
// EN: Insert upserts: inserting an existing key overwrites its value.
func (t *BPlusTree[K, V]) Insert(key K, value V) error {
	res, err := t.insertInto(t.rootPageId, key, value)
	if err != nil {
		return err
	}

	if res.split {
		// 根分裂：新建内部根节点，持有旧根和新节点
		// EN: Root split: allocate a new internal root over the old root and
		// the split-off node, then update the metadata page.
		newRootPage, err := t.pool.NewPage()
		if err != nil {
			return err
		}
		newRoot := &treeNode[K, V]{
			pageId:   newRootPage.Id(),
			isLeaf:   false,
			keys:     []K{res.promotedKey},
			children: []PageId{t.rootPageId, res.newPageId},
		}
		data, err := encodeNode(newRoot, t.keyCodec, t.valueCodec)
		if err != nil {
			return err
		}
		if err := newRootPage.WriteData(data); err != nil {
			t.pool.UnpinPage(newRootPage.Id(), false)
			return err
		}
		if err := t.pool.UnpinPage(newRootPage.Id(), true); err != nil {
			return err
		}

		t.rootPageId = newRoot.pageId
		return t.writeRootPageId()
	}

	return nil
}

// insertInto 递归插入
// EN: insertInto descends recursively and handles splits on the way back up.
func (t *BPlusTree[K, V]) insertInto(pageId PageId, key K, value V) (insertResult[K], error) {
	var none insertResult[K]

	n, err := t.readNode(pageId)
	if err != nil {
		return none, err
	}

	if n.isLeaf {
		idx := t.findKeyIndex(n, key)
		if idx < len(n.keys) && t.compare(n.keys[idx], key) == 0 {
			n.values[idx] = value
			return none, t.writeNode(n)
		}

		n.keys = insertAt(n.keys, idx, key)
		n.values = insertAt(n.values, idx, value)

		if len(n.keys) > t.order {
			return t.splitLeaf(n)
		}
		return none, t.writeNode(n)
	}

	childIdx := t.findChildIndex(n, key)
	res, err := t.insertInto(n.children[childIdx], key, value)
	if err != nil {
		return none, err
	}

	if res.split {
		n.keys = insertAt(n.keys, childIdx, res.promotedKey)
		n.children = insertPageIdAt(n.children, childIdx+1, res.newPageId)

		if len(n.keys) > t.order {
			return t.splitInternal(n)
		}
		return none, t.writeNode(n)
	}

	return none, nil
}

// splitLeaf 叶子分裂
// EN: splitLeaf splits an overflowing leaf.
// 右半部分从 mid 开始，新叶子的第一个键被提升（叶子保留该键）
// EN: The right half starts at mid; the new leaf's first key is promoted and
// retained by the leaf.
func (t *BPlusTree[K, V]) splitLeaf(n *treeNode[K, V]) (insertResult[K], error) {
	var none insertResult[K]

	mid := len(n.keys) / 2

	newPage, err := t.pool.NewPage()
	if err != nil {
		return none, err
	}
	right := &treeNode[K, V]{
		pageId: newPage.Id(),
		isLeaf: true,
		keys:   append([]K(nil), n.keys[mid:]...),
		values: append([]V(nil), n.values[mid:]...),
		next:   n.next,
	}
	n.keys = n.keys[:mid]
	n.values = n.values[:mid]
	// 接入叶子链
	// EN: Splice into the leaf chain.
	n.next = right.pageId

	data, err := encodeNode(right, t.keyCodec, t.valueCodec)
	if err != nil {
		return none, err
	}
	if err := newPage.WriteData(data); err != nil {
		t.pool.UnpinPage(newPage.Id(), false)
		return none, err
	}
	if err := t.pool.UnpinPage(newPage.Id(), true); err != nil {
		return none, err
	}

	if err := t.writeNode(n); err != nil {
		return none, err
	}

	return insertResult[K]{split: true, promotedKey: right.keys[0], newPageId: right.pageId}, nil
}

// splitInternal 内部节点分裂
// EN: splitInternal splits an overflowing internal node.
// 中间键被提升且不保留在任何一半中
// EN: The middle key is promoted and retained by neither half.
func (t *BPlusTree[K, V]) splitInternal(n *treeNode[K, V]) (insertResult[K], error) {
	var none insertResult[K]

	mid := len(n.keys) / 2
	promoted := n.keys[mid]

	newPage, err := t.pool.NewPage()
	if err != nil {
		return none, err
	}
	right := &treeNode[K, V]{
		pageId:   newPage.Id(),
		isLeaf:   false,
		keys:     append([]K(nil), n.keys[mid+1:]...),
		children: append([]PageId(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	data, err := encodeNode(right, t.keyCodec, t.valueCodec)
	if err != nil {
		return none, err
	}
	if err := newPage.WriteData(data); err != nil {
		t.pool.UnpinPage(newPage.Id(), false)
		return none, err
	}
	if err := t.pool.UnpinPage(newPage.Id(), true); err != nil {
		return none, err
	}

	if err := t.writeNode(n); err != nil {
		return none, err
	}

	return insertResult[K]{split: true, promotedKey: promoted, newPageId: right.pageId}, nil
}

// Delete 删除键，返回是否存在
// EN: Delete removes a key, reporting whether it was present.
func (t *BPlusTree[K, V]) Delete(key K) (bool, error) {
	res, err := t.deleteFrom(t.rootPageId, key)
	if err != nil {
		return false, err
	}

	if res.deleted {
		// 根收缩：内部根节点清空后提升其唯一子节点
		// EN: Root shrink: an emptied internal root promotes its sole child.
		root, err := t.readNode(t.rootPageId)
		if err != nil {
			return false, err
		}
		if !root.isLeaf && len(root.keys) == 0 && len(root.children) > 0 {
			t.rootPageId = root.children[0]
			if err := t.writeRootPageId(); err != nil {
				return false, err
			}
		}
	}

	return res.deleted, nil
}

// deleteFrom 递归删除，下溢只上报不再平衡
// EN: deleteFrom recurses; underflow is reported but not rebalanced.
func (t *BPlusTree[K, V]) deleteFrom(pageId PageId, key K) (deleteResult, error) {
	n, err := t.readNode(pageId)
	if err != nil {
		return deleteResult{}, err
	}

	if n.isLeaf {
		idx := t.findKeyIndex(n, key)
		if idx >= len(n.keys) || t.compare(n.keys[idx], key) != 0 {
			return deleteResult{}, nil
		}

		n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
		n.values = append(n.values[:idx], n.values[idx+1:]...)
		if err := t.writeNode(n); err != nil {
			return deleteResult{}, err
		}

		return deleteResult{deleted: true, underflow: len(n.keys) < t.order/2}, nil
	}

	childIdx := t.findChildIndex(n, key)
	return t.deleteFrom(n.children[childIdx], key)
}

// findLeaf 下降到可能包含 key 的最左叶子
// EN: findLeaf descends to the leftmost leaf whose range may contain key.
func (t *BPlusTree[K, V]) findLeaf(key K) (*treeNode[K, V], error) {
	n, err := t.readNode(t.rootPageId)
	if err != nil {
		return nil, err
	}
	for !n.isLeaf {
		child := n.children[t.findChildIndex(n, key)]
		n, err = t.readNode(child)
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Range 返回 [startKey, endKey] 闭区间的惰性游标
// EN: Range returns a lazy forward cursor over the inclusive key range.
func (t *BPlusTree[K, V]) Range(startKey, endKey K) (*RangeCursor[K, V], error) {
	leaf, err := t.findLeaf(startKey)
	if err != nil {
		return nil, err
	}

	startIdx := len(leaf.keys)
	for i, k := range leaf.keys {
		if t.compare(k, startKey) >= 0 {
			startIdx = i
			break
		}
	}

	return &RangeCursor[K, V]{
		tree:   t,
		leaf:   leaf,
		index:  startIdx,
		endKey: endKey,
	}, nil
}

// leftmostLeaf 定位最左叶子
// EN: leftmostLeaf locates the first leaf of the chain.
func (t *BPlusTree[K, V]) leftmostLeaf() (*treeNode[K, V], error) {
	n, err := t.readNode(t.rootPageId)
	if err != nil {
		return nil, err
	}
	for !n.isLeaf {
		n, err = t.readNode(n.children[0])
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

// AllPairs 按叶子链顺序提取全部键值对
// EN: AllPairs extracts every key-value pair in leaf-chain order.
// 供离线重平衡和备份使用
// EN: Used by the offline rebalancer and backups.
func (t *BPlusTree[K, V]) AllPairs() ([]Pair[K, V], error) {
	var pairs []Pair[K, V]

	leaf, err := t.leftmostLeaf()
	if err != nil {
		return nil, err
	}
	for leaf != nil {
		for i := range leaf.keys {
			pairs = append(pairs, Pair[K, V]{Key: leaf.keys[i], Value: leaf.values[i]})
		}
		if !leaf.next.IsValid() {
			break
		}
		leaf, err = t.readNode(leaf.next)
		if err != nil {
			return nil, err
		}
	}

	return pairs, nil
}

// Count 遍历叶子链统计键数量
// EN: Count walks the leaf chain and counts live keys.
func (t *BPlusTree[K, V]) Count() (int, error) {
	count := 0
	leaf, err := t.leftmostLeaf()
	if err != nil {
		return 0, err
	}
	for leaf != nil {
		count += len(leaf.keys)
		if !leaf.next.IsValid() {
			break
		}
		leaf, err = t.readNode(leaf.next)
		if err != nil {
			return 0, err
		}
	}
	return count, nil
}

// IsEmpty 树是否为空
// EN: IsEmpty reports whether the tree holds no keys.
func (t *BPlusTree[K, V]) IsEmpty() (bool, error) {
	root, err := t.readNode(t.rootPageId)
	if err != nil {
		return false, err
	}
	return root.isLeaf && len(root.keys) == 0, nil
}

// TreeStats 树结构统计信息
// EN: TreeStats describes the tree structure.
type TreeStats struct {
	TotalNodes       int
	LeafNodes        int
	InternalNodes    int
	TotalKeys        int
	AverageFillRatio float64
	MaxDepth         int
}

// String 统计信息的可读形式
// EN: String renders the stats for the CLI.
func (s TreeStats) String() string {
	return fmt.Sprintf(
		"TreeStats{totalNodes=%d, leafNodes=%d, internalNodes=%d, totalKeys=%d, avgFillRatio=%.2f, maxDepth=%d}",
		s.TotalNodes, s.LeafNodes, s.InternalNodes, s.TotalKeys, s.AverageFillRatio, s.MaxDepth)
}

// Stats 遍历整棵树收集统计信息
// EN: Stats traverses the whole tree and collects statistics.
func (t *BPlusTree[K, V]) Stats() (TreeStats, error) {
	var s TreeStats
	if err := t.collectStats(t.rootPageId, 0, &s); err != nil {
		return TreeStats{}, err
	}
	if s.TotalNodes > 0 && t.order > 0 {
		s.AverageFillRatio = float64(s.TotalKeys) / float64(s.TotalNodes*t.order)
	}
	return s, nil
}

func (t *BPlusTree[K, V]) collectStats(pageId PageId, depth int, s *TreeStats) error {
	n, err := t.readNode(pageId)
	if err != nil {
		return err
	}

	s.TotalNodes++
	s.TotalKeys += len(n.keys)
	if depth > s.MaxDepth {
		s.MaxDepth = depth
	}

	if n.isLeaf {
		s.LeafNodes++
		return nil
	}

	s.InternalNodes++
	for _, child := range n.children {
		if err := t.collectStats(child, depth+1, s); err != nil {
			return err
		}
	}
	return nil
}

// Order 返回树的阶数
// EN: Order returns the tree order.
func (t *BPlusTree[K, V]) Order() int {
	return t.order
}

// BufferPoolStats 缓冲池使用情况
// EN: BufferPoolStats returns the buffer pool usage string.
func (t *BPlusTree[K, V]) BufferPoolStats() string {
	return t.pool.Stats()
}

// Sync 刷脏页并同步数据文件
// EN: Sync flushes dirty pages and fsyncs the data file.
func (t *BPlusTree[K, V]) Sync() error {
	if err := t.pool.FlushAll(); err != nil {
		return err
	}
	return t.disk.Sync()
}

// Close 刷盘并释放缓冲池和文件句柄
// EN: Close syncs, then releases the buffer pool and file handle.
func (t *BPlusTree[K, V]) Close() error {
	if err := t.Sync(); err != nil {
		return err
	}
	if err := t.pool.Close(); err != nil {
		t.disk.Close()
		return err
	}
	return t.disk.Close()
}

// insertAt 在切片 index 处插入元素
// EN: insertAt inserts an element at index.
func insertAt[T any](s []T, index int, v T) []T {
	s = append(s, v)
	copy(s[index+1:], s[index:])
	s[index] = v
	return s
}

func insertPageIdAt(s []PageId, index int, v PageId) []PageId {
	return insertAt(s, index, v)
}
