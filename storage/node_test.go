// Created by Yanjunhui

package storage

import (
	"errors"
	"testing"

	"github.com/monolite/localkv/codec"
)

func TestNodeCodecLeafRoundTrip(t *testing.T) {
	n := &treeNode[string, string]{
		pageId: 3,
		isLeaf: true,
		keys:   []string{"alpha", "beta", "gamma"},
		values: []string{"1", "2", "3"},
		next:   PageId(9),
	}

	data, err := encodeNode(n, codec.String, codec.String)
	if err != nil {
		t.Fatalf("encodeNode failed: %v", err)
	}
	if data[0] != nodeKindLeaf {
		t.Errorf("kind byte mismatch: got %d", data[0])
	}

	got, err := decodeNode[string, string](3, data, codec.String, codec.String)
	if err != nil {
		t.Fatalf("decodeNode failed: %v", err)
	}
	if !got.isLeaf || got.next != 9 || len(got.keys) != 3 {
		t.Fatalf("decoded node mismatch: %+v", got)
	}
	for i := range n.keys {
		if got.keys[i] != n.keys[i] || got.values[i] != n.values[i] {
			t.Errorf("entry %d mismatch: got (%s, %s)", i, got.keys[i], got.values[i])
		}
	}
}

func TestNodeCodecLeafChainSentinel(t *testing.T) {
	// 链尾叶子的 next 用 INVALID 哨兵值表示
	// EN: The last leaf encodes next as the INVALID sentinel.
	n := newLeafNode[int32, string](1)
	data, err := encodeNode(n, codec.Int32, codec.String)
	if err != nil {
		t.Fatalf("encodeNode failed: %v", err)
	}
	got, err := decodeNode[int32, string](1, data, codec.Int32, codec.String)
	if err != nil {
		t.Fatalf("decodeNode failed: %v", err)
	}
	if got.next != InvalidPageId {
		t.Errorf("next mismatch: got %d, want INVALID", got.next)
	}
}

func TestNodeCodecInternalRoundTrip(t *testing.T) {
	n := &treeNode[int32, string]{
		pageId:   5,
		isLeaf:   false,
		keys:     []int32{10, 20},
		children: []PageId{1, 2, 3},
	}

	data, err := encodeNode(n, codec.Int32, codec.String)
	if err != nil {
		t.Fatalf("encodeNode failed: %v", err)
	}
	if data[0] != nodeKindInternal {
		t.Errorf("kind byte mismatch: got %d", data[0])
	}

	got, err := decodeNode[int32, string](5, data, codec.Int32, codec.String)
	if err != nil {
		t.Fatalf("decodeNode failed: %v", err)
	}
	if got.isLeaf || len(got.keys) != 2 || len(got.children) != 3 {
		t.Fatalf("decoded node mismatch: %+v", got)
	}
	for i, child := range n.children {
		if got.children[i] != child {
			t.Errorf("child %d mismatch: got %d", i, got.children[i])
		}
	}
}

func TestNodeCodecUninitializedPage(t *testing.T) {
	// 全零页按空叶子处理
	// EN: A zeroed page decodes as an empty leaf.
	got, err := decodeNode[string, string](4, make([]byte, PageSize), codec.String, codec.String)
	if err != nil {
		t.Fatalf("decodeNode failed: %v", err)
	}
	if !got.isLeaf || len(got.keys) != 0 {
		t.Errorf("expected empty leaf, got %+v", got)
	}
}

func TestNodeCodecCorruption(t *testing.T) {
	// 无法识别的类型字节是数据损坏
	// EN: An impossible kind byte is corruption.
	data := []byte{7, 0, 0, 0, 0}
	if _, err := decodeNode[string, string](2, data, codec.String, codec.String); !errors.Is(err, ErrCorruptedNode) {
		t.Errorf("expected ErrCorruptedNode, got %v", err)
	}

	// 头部截断同样是损坏
	// EN: A truncated header is corruption too.
	if _, err := decodeNode[string, string](2, []byte{nodeKindLeaf, 0, 0}, codec.String, codec.String); !errors.Is(err, ErrCorruptedNode) {
		t.Errorf("expected ErrCorruptedNode for truncated header, got %v", err)
	}
}
