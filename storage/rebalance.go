// Created by Yanjunhui

package storage

import (
	"fmt"
	"os"

	"github.com/monolite/localkv/codec"
)

// Rebalancer 离线重平衡器
// EN: Rebalancer rebuilds a tree file offline into a fresh tree.
//
// 删除不做合并会让节点占用率降到 order/2 以下并留下孤儿页；
// 重平衡按叶子链顺序读出全部键值对（O(N) 链扫描），
// 按键序逐个插入一棵全新的树后原子替换原文件。
// 插入使用普通的中点分裂，因此重建后的叶子约为半满，并非密实填充。
// EN: Because delete never merges, occupancy can drop below order/2 and
// orphan pages accumulate. Rebalancing reads every pair in leaf-chain order
// (an O(N) chain scan), inserts them in key order into a fresh tree, and
// atomically replaces the original file. The key→value mapping is preserved
// exactly. Inserts use the ordinary mid-point split, so the rebuilt leaves
// are about half full; the result is not densely packed.
type Rebalancer[K, V any] struct {
	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]
	compare    codec.Comparator[K]
	order      int
	poolSize   int
}

// NewRebalancer 创建重平衡器
// EN: NewRebalancer creates a rebalancer with the given tree configuration.
func NewRebalancer[K, V any](kc codec.Codec[K], vc codec.Codec[V], cmp codec.Comparator[K], order, poolSize int) *Rebalancer[K, V] {
	return &Rebalancer[K, V]{
		keyCodec:   kc,
		valueCodec: vc,
		compare:    cmp,
		order:      order,
		poolSize:   poolSize,
	}
}

// Rebalance 重建指定路径上的树文件
// EN: Rebalance rebuilds the tree file at path.
func (r *Rebalancer[K, V]) Rebalance(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("tree file does not exist: %s", path)
	}

	pairs, err := r.extractAllPairs(path)
	if err != nil {
		return fmt.Errorf("failed to rebalance tree %s: %w", path, err)
	}
	if len(pairs) == 0 {
		// 空树无需重建
		// EN: Empty tree, nothing to rebuild.
		return nil
	}

	tmpPath := path + ".rebalancing"
	backupPath := path + ".backup"

	cleanup := func() {
		os.Remove(tmpPath)
		os.Remove(backupPath)
	}

	os.Remove(tmpPath)
	if err := r.buildTree(tmpPath, pairs); err != nil {
		cleanup()
		return fmt.Errorf("failed to rebalance tree %s: %w", path, err)
	}

	// 原子替换：原文件先移为备份，再把新树移入
	// EN: Atomic swap: move the original aside, move the fresh tree in.
	if err := os.Rename(path, backupPath); err != nil {
		cleanup()
		return fmt.Errorf("failed to rebalance tree %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		// 恢复原文件
		// EN: Restore the original.
		os.Rename(backupPath, path)
		cleanup()
		return fmt.Errorf("failed to rebalance tree %s: %w", path, err)
	}
	os.Remove(backupPath)

	return nil
}

// extractAllPairs 按键序读出全部键值对
// EN: extractAllPairs reads every pair from the tree in key order.
func (r *Rebalancer[K, V]) extractAllPairs(path string) ([]Pair[K, V], error) {
	tree, err := OpenBPlusTree(path, r.order, r.keyCodec, r.valueCodec, r.compare, r.poolSize)
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	return tree.AllPairs()
}

// buildTree 在新文件中按序插入全部键值对
// EN: buildTree inserts all pairs into a fresh tree file.
func (r *Rebalancer[K, V]) buildTree(path string, pairs []Pair[K, V]) error {
	tree, err := OpenBPlusTree(path, r.order, r.keyCodec, r.valueCodec, r.compare, r.poolSize)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := tree.Insert(p.Key, p.Value); err != nil {
			tree.Close()
			return err
		}
	}
	return tree.Close()
}

// TreeStats 返回指定树文件的结构统计
// EN: TreeStats reports structure statistics for the tree file at path.
func (r *Rebalancer[K, V]) TreeStats(path string) (TreeStats, error) {
	tree, err := OpenBPlusTree(path, r.order, r.keyCodec, r.valueCodec, r.compare, r.poolSize)
	if err != nil {
		return TreeStats{}, err
	}
	defer tree.Close()
	return tree.Stats()
}
