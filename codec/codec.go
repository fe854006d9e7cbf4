// Created by Yanjunhui

// Package codec 提供键值的序列化策略与键的全序比较器。
// EN: Package codec provides serialization strategies for keys/values and
// total-order comparators for keys.
package codec

// Codec 序列化策略接口
// EN: Codec is a pluggable serialization strategy.
// 实现必须保证往返精确：Decode(Encode(v)) == v
// EN: Implementations must guarantee exact round-trips: Decode(Encode(v)) == v.
type Codec[T any] interface {
	// Encode 将值编码为字节
	// EN: Encode serializes a value to bytes.
	Encode(v T) ([]byte, error)

	// Decode 从字节还原值
	// EN: Decode deserializes a value from bytes.
	Decode(data []byte) (T, error)

	// EncodedSize 返回编码后的字节数（BSON 编解码器通过实际编码求得）
	// EN: EncodedSize returns the serialized size; the BSON codec computes it
	// by encoding the value.
	EncodedSize(v T) int
}

// Comparator 键的全序比较器
// EN: Comparator defines a total order on keys.
// 返回值：a < b 为负数，a == b 为 0，a > b 为正数
// EN: Returns negative if a < b, zero if a == b, positive if a > b.
// 比较器必须与相等性一致，否则查找可能命中失败
// EN: The order must be consistent with equality, otherwise lookups may miss
// keys that are equal under == but ordered differently under compare.
type Comparator[T any] func(a, b T) int
