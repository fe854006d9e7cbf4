// Created by Yanjunhui

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/monolite/localkv/codec"
)

// 节点类型判别字节（页面体第一个字节）
// EN: Node kind discriminant, persisted as the first byte of the page body.
const (
	nodeKindLeaf     byte = 1
	nodeKindInternal byte = 2
)

// treeNode B+Tree 节点的内存表示
// EN: treeNode is the in-memory form of one B+Tree node.
// 叶子节点使用 values 和 next；内部节点使用 children
// EN: Leaves use values/next; internal nodes use children.
// 节点是按需从页面物化的值对象，方法调用结束后不保留页面引用
// EN: Nodes are value objects materialized from a page on demand; they do not
// retain page references beyond a call.
type treeNode[K, V any] struct {
	pageId   PageId
	isLeaf   bool
	keys     []K
	values   []V
	children []PageId
	next     PageId
}

// newLeafNode 创建空叶子节点
// EN: newLeafNode creates an empty leaf node for the given page.
func newLeafNode[K, V any](pageId PageId) *treeNode[K, V] {
	return &treeNode[K, V]{
		pageId: pageId,
		isLeaf: true,
		next:   InvalidPageId,
	}
}

// encodeNode 将节点序列化为页面体
// EN: encodeNode serializes a node into a page body.
//
// 布局（所有整数大端）：
// EN: Layout (all integers big-endian):
//
//	kind(1) | keyCount(u32) | keyCount × [klen(u32) key]
//	叶子:   next(u64) | keyCount × [vlen(u32) value]
//	内部:   (keyCount+1) × child(u64)
func encodeNode[K, V any](n *treeNode[K, V], kc codec.Codec[K], vc codec.Codec[V]) ([]byte, error) {
	var buf bytes.Buffer

	if n.isLeaf {
		buf.WriteByte(nodeKindLeaf)
	} else {
		buf.WriteByte(nodeKindInternal)
	}

	writeUint32(&buf, uint32(len(n.keys)))
	for _, key := range n.keys {
		kb, err := kc.Encode(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encode key: %w", err)
		}
		writeUint32(&buf, uint32(len(kb)))
		buf.Write(kb)
	}

	if n.isLeaf {
		writeUint64(&buf, uint64(n.next))
		for _, value := range n.values {
			vb, err := vc.Encode(value)
			if err != nil {
				return nil, fmt.Errorf("failed to encode value: %w", err)
			}
			writeUint32(&buf, uint32(len(vb)))
			buf.Write(vb)
		}
	} else {
		for _, child := range n.children {
			writeUint64(&buf, uint64(child))
		}
	}

	if buf.Len() > PageSize {
		return nil, fmt.Errorf("node %d does not fit in a page: %d > %d bytes", n.pageId, buf.Len(), PageSize)
	}

	return buf.Bytes(), nil
}

// decodeNode 从页面体反序列化节点
// EN: decodeNode deserializes a node from a page body.
// 空页或全零页视为未初始化，按空叶子节点处理
// EN: An empty or zeroed page is treated as an uninitialized empty leaf.
// 无法识别的类型字节视为损坏
// EN: An impossible kind byte is corruption.
func decodeNode[K, V any](pageId PageId, data []byte, kc codec.Codec[K], vc codec.Codec[V]) (*treeNode[K, V], error) {
	if len(data) == 0 || data[0] == 0 {
		return newLeafNode[K, V](pageId), nil
	}

	kind := data[0]
	if kind != nodeKindLeaf && kind != nodeKindInternal {
		return nil, fmt.Errorf("%w: page %d has node kind %d", ErrCorruptedNode, pageId, kind)
	}

	r := &nodeReader{data: data, off: 1, pageId: pageId}

	keyCount, err := r.uint32()
	if err != nil {
		return nil, err
	}

	n := &treeNode[K, V]{
		pageId: pageId,
		isLeaf: kind == nodeKindLeaf,
	}

	n.keys = make([]K, 0, keyCount)
	for i := uint32(0); i < keyCount; i++ {
		kb, err := r.lengthPrefixed()
		if err != nil {
			return nil, err
		}
		key, err := kc.Decode(kb)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key on page %d: %w", pageId, err)
		}
		n.keys = append(n.keys, key)
	}

	if n.isLeaf {
		next, err := r.uint64()
		if err != nil {
			return nil, err
		}
		n.next = PageId(int64(next))

		n.values = make([]V, 0, keyCount)
		for i := uint32(0); i < keyCount; i++ {
			vb, err := r.lengthPrefixed()
			if err != nil {
				return nil, err
			}
			value, err := vc.Decode(vb)
			if err != nil {
				return nil, fmt.Errorf("failed to decode value on page %d: %w", pageId, err)
			}
			n.values = append(n.values, value)
		}
	} else {
		n.children = make([]PageId, 0, keyCount+1)
		for i := uint32(0); i <= keyCount; i++ {
			child, err := r.uint64()
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, PageId(int64(child)))
		}
	}

	return n, nil
}

// nodeReader 带边界检查的页面体读取器
// EN: nodeReader reads page body fields with bounds checks.
type nodeReader struct {
	data   []byte
	off    int
	pageId PageId
}

func (r *nodeReader) uint32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("%w: page %d truncated at offset %d", ErrCorruptedNode, r.pageId, r.off)
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *nodeReader) uint64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("%w: page %d truncated at offset %d", ErrCorruptedNode, r.pageId, r.off)
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *nodeReader) lengthPrefixed() ([]byte, error) {
	length, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int(length) > len(r.data)-r.off {
		return nil, fmt.Errorf("%w: page %d field of %d bytes exceeds body", ErrCorruptedNode, r.pageId, length)
	}
	out := r.data[r.off : r.off+int(length)]
	r.off += int(length)
	return out, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
