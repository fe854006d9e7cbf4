// Created by Yanjunhui

package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// 预定义的基础类型编解码器
// EN: Predefined primitive codecs.
// 所有多字节整数均为大端序
// EN: All multi-byte integers are big-endian.
var (
	// Int32 4 字节大端整数
	Int32 Codec[int32] = int32Codec{}
	// Int64 8 字节大端整数
	Int64 Codec[int64] = int64Codec{}
	// String UTF-8 原始字节
	String Codec[string] = stringCodec{}
	// Float64 IEEE-754 位模式，8 字节大端
	Float64 Codec[float64] = float64Codec{}
	// Bytes 原始字节切片
	Bytes Codec[[]byte] = bytesCodec{}
)

// 预定义的比较器（自然序）
// EN: Predefined natural-order comparators.
var (
	CompareInt32   Comparator[int32]   = compareOrdered[int32]
	CompareInt64   Comparator[int64]   = compareOrdered[int64]
	CompareString  Comparator[string]  = compareOrdered[string]
	CompareFloat64 Comparator[float64] = compareOrdered[float64]
	CompareBytes   Comparator[[]byte]  = bytes.Compare
)

func compareOrdered[T int32 | int64 | string | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

type int32Codec struct{}

func (int32Codec) Encode(v int32) ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return buf, nil
}

func (int32Codec) Decode(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("invalid data length for int32: %d", len(data))
	}
	return int32(binary.BigEndian.Uint32(data)), nil
}

func (int32Codec) EncodedSize(int32) int { return 4 }

type int64Codec struct{}

func (int64Codec) Encode(v int64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf, nil
}

func (int64Codec) Decode(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid data length for int64: %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func (int64Codec) EncodedSize(int64) int { return 8 }

type stringCodec struct{}

func (stringCodec) Encode(v string) ([]byte, error) {
	return []byte(v), nil
}

func (stringCodec) Decode(data []byte) (string, error) {
	return string(data), nil
}

func (stringCodec) EncodedSize(v string) int { return len(v) }

type float64Codec struct{}

func (float64Codec) Encode(v float64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return buf, nil
}

func (float64Codec) Decode(data []byte) (float64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid data length for float64: %d", len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

func (float64Codec) EncodedSize(float64) int { return 8 }

type bytesCodec struct{}

func (bytesCodec) Encode(v []byte) ([]byte, error) {
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (bytesCodec) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (bytesCodec) EncodedSize(v []byte) int { return len(v) }
