// Created by Yanjunhui

package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/monolite/localkv/codec"
)

func TestRebalancerPreservesMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.db")

	tree, err := OpenBPlusTree(path, 4, codec.Int32, codec.String, codec.CompareInt32, 64)
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}

	// 插入后删掉一半，制造低占用率和孤儿页
	// EN: Insert, then delete half, leaving low occupancy and orphan pages.
	const n = 60
	for i := int32(0); i < n; i++ {
		if err := tree.Insert(i, fmt.Sprintf("value%d", i)); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}
	for i := int32(0); i < n; i += 2 {
		if _, err := tree.Delete(i); err != nil {
			t.Fatalf("Delete %d failed: %v", i, err)
		}
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r := NewRebalancer(codec.Int32, codec.String, codec.CompareInt32, 4, 64)

	before, err := r.TreeStats(path)
	if err != nil {
		t.Fatalf("TreeStats failed: %v", err)
	}

	if err := r.Rebalance(path); err != nil {
		t.Fatalf("Rebalance failed: %v", err)
	}

	after, err := r.TreeStats(path)
	if err != nil {
		t.Fatalf("TreeStats failed: %v", err)
	}
	if after.TotalNodes > before.TotalNodes {
		t.Errorf("rebalanced tree grew: %d -> %d nodes", before.TotalNodes, after.TotalNodes)
	}

	// 键值映射必须完全保留
	// EN: The key→value mapping must be preserved exactly.
	tree2, err := OpenBPlusTree(path, 4, codec.Int32, codec.String, codec.CompareInt32, 64)
	if err != nil {
		t.Fatalf("Failed to reopen tree: %v", err)
	}
	defer tree2.Close()

	count, err := tree2.Count()
	if err != nil || count != n/2 {
		t.Fatalf("count after rebalance: got (%d, %v), want (%d, nil)", count, err, n/2)
	}
	for i := int32(1); i < n; i += 2 {
		got, found, err := tree2.Search(i)
		if err != nil || !found || got != fmt.Sprintf("value%d", i) {
			t.Errorf("lookup %d after rebalance: got (%q, %v, %v)", i, got, found, err)
		}
	}
}

func TestRebalancerEmptyTree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.db")

	tree, err := OpenBPlusTree(path, 4, codec.Int32, codec.String, codec.CompareInt32, 64)
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r := NewRebalancer(codec.Int32, codec.String, codec.CompareInt32, 4, 64)
	if err := r.Rebalance(path); err != nil {
		t.Fatalf("Rebalance of empty tree failed: %v", err)
	}
}

func TestRebalancerMissingFile(t *testing.T) {
	r := NewRebalancer(codec.Int32, codec.String, codec.CompareInt32, 4, 64)
	if err := r.Rebalance(filepath.Join(t.TempDir(), "nope.db")); err == nil {
		t.Error("expected error rebalancing a missing file")
	}
}
