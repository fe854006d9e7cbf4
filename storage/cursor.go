// Created by Yanjunhui

package storage

// RangeCursor 范围扫描的惰性前向游标
// EN: RangeCursor is a lazy, forward-only cursor over an inclusive key range.
// 一次只物化当前叶子；读到键 > endKey 或叶子链结束即终止
// EN: Only the current leaf is materialized; the cursor ends when a key
// exceeds endKey or the chain terminates.
// 放弃游标即隐式取消扫描
// EN: Dropping the cursor cancels the scan.
type RangeCursor[K, V any] struct {
	tree   *BPlusTree[K, V]
	leaf   *treeNode[K, V]
	index  int
	endKey K
	done   bool
}

// Next 返回下一个值
// EN: Next yields the next value in key order.
// 第二个返回值为 false 表示扫描结束
// EN: The boolean is false once the scan is exhausted.
func (c *RangeCursor[K, V]) Next() (V, bool, error) {
	v, _, ok, err := c.NextPair()
	return v, ok, err
}

// NextPair 返回下一个键值对
// EN: NextPair yields the next key-value pair in key order.
func (c *RangeCursor[K, V]) NextPair() (V, K, bool, error) {
	var zeroV V
	var zeroK K

	if c.done {
		return zeroV, zeroK, false, nil
	}

	for c.leaf != nil {
		if c.index < len(c.leaf.keys) {
			key := c.leaf.keys[c.index]
			if c.tree.compare(key, c.endKey) > 0 {
				c.done = true
				return zeroV, zeroK, false, nil
			}
			value := c.leaf.values[c.index]
			c.index++
			return value, key, true, nil
		}

		// 当前叶子耗尽，沿链加载下一个
		// EN: Current leaf exhausted; load the next along the chain.
		if !c.leaf.next.IsValid() {
			break
		}
		next, err := c.tree.readNode(c.leaf.next)
		if err != nil {
			return zeroV, zeroK, false, err
		}
		c.leaf = next
		c.index = 0
	}

	c.done = true
	return zeroV, zeroK, false, nil
}

// Collect 读完游标并返回全部值
// EN: Collect drains the cursor and returns all values.
func (c *RangeCursor[K, V]) Collect() ([]V, error) {
	var out []V
	for {
		v, ok, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// CollectPairs 读完游标并返回全部键值对
// EN: CollectPairs drains the cursor and returns all pairs.
func (c *RangeCursor[K, V]) CollectPairs() ([]Pair[K, V], error) {
	var out []Pair[K, V]
	for {
		v, k, ok, err := c.NextPair()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, Pair[K, V]{Key: k, Value: v})
	}
}
