// Created by Yanjunhui

package codec

import (
	"go.mongodb.org/mongo-driver/bson"
)

// bsonCodec 基于 BSON 的自描述对象编解码器
// EN: bsonCodec is a self-describing object codec backed by BSON.
// 用于把用户记录结构体直接存为数据库的值
// EN: It allows user record structs to be stored directly as database values.
type bsonCodec[T any] struct{}

// NewBSON 创建一个针对 T 的 BSON 编解码器
// EN: NewBSON creates a BSON codec for type T.
// T 必须是可以被 bson.Marshal 处理的文档类型（结构体或 map）
// EN: T must be a document type (struct or map) accepted by bson.Marshal.
func NewBSON[T any]() Codec[T] {
	return bsonCodec[T]{}
}

func (bsonCodec[T]) Encode(v T) ([]byte, error) {
	return bson.Marshal(v)
}

func (bsonCodec[T]) Decode(data []byte) (T, error) {
	var out T
	if err := bson.Unmarshal(data, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (c bsonCodec[T]) EncodedSize(v T) int {
	data, err := c.Encode(v)
	if err != nil {
		return 0
	}
	return len(data)
}
