// Created by Yanjunhui

// example 数据库基本用法演示
// EN: example demonstrates basic database usage: autocommit operations,
// transactions, range queries, compare-and-set, and the BSON record codec.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/monolite/localkv/codec"
	"github.com/monolite/localkv/engine"
)

// userProfile 用 BSON 编码存储的用户记录
// EN: userProfile is a user record stored via the BSON codec.
type userProfile struct {
	Name       string `bson:"name"`
	Age        int32  `bson:"age"`
	Occupation string `bson:"occupation"`
}

func main() {
	dir, err := os.MkdirTemp("", "localkv-example")
	if err != nil {
		fmt.Fprintln(os.Stderr, "Database error:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	if err := run(dir); err != nil {
		fmt.Fprintln(os.Stderr, "Database error:", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	db, err := engine.Open(
		filepath.Join(dir, "example.db"),
		filepath.Join(dir, "example.wal"),
		4, // B+Tree 阶数 (EN: tree order)
		codec.String,
		codec.String,
		codec.CompareString,
	)
	if err != nil {
		return err
	}
	defer db.Close()

	// 基本操作
	// EN: Basic operations.
	if err := db.Put("name", "John Doe"); err != nil {
		return err
	}
	if err := db.Put("age", "30"); err != nil {
		return err
	}
	if err := db.Put("city", "San Francisco"); err != nil {
		return err
	}

	printValue(db, "name")
	printValue(db, "age")

	// 事务示例
	// EN: Transaction example.
	txn, err := db.BeginTransaction()
	if err != nil {
		return err
	}
	if err := db.PutTx("name", "Jane Smith", txn); err != nil {
		db.RollbackTransaction(txn)
		return err
	}
	if err := db.PutTx("occupation", "Engineer", txn); err != nil {
		db.RollbackTransaction(txn)
		return err
	}

	if v, found, err := db.GetTx("name", txn); err != nil {
		db.RollbackTransaction(txn)
		return err
	} else if found {
		fmt.Println("Name in transaction:", v)
	}

	if err := db.CommitTransaction(txn); err != nil {
		return err
	}
	printValue(db, "name")

	// 范围查询
	// EN: Range query.
	for k, v := range map[string]string{"apple": "fruit", "banana": "fruit", "carrot": "vegetable"} {
		if err := db.Put(k, v); err != nil {
			return err
		}
	}
	values, err := db.Range("a", "c")
	if err != nil {
		return err
	}
	fmt.Println("Items from 'a' to 'c':", values)

	// 条件更新
	// EN: Conditional update.
	expected := "30"
	ok, err := db.CompareAndSet("age", &expected, "31")
	if err != nil {
		return err
	}
	fmt.Println("CAS age 30 -> 31 succeeded:", ok)

	// BSON 记录编码
	// EN: BSON record codec demo: a second store holding struct values.
	return runProfiles(filepath.Join(dir, "profiles"))
}

func runProfiles(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	profiles, err := engine.Open(
		filepath.Join(dir, "profiles.db"),
		filepath.Join(dir, "profiles.wal"),
		16,
		codec.Int64,
		codec.NewBSON[userProfile](),
		codec.CompareInt64,
	)
	if err != nil {
		return err
	}
	defer profiles.Close()

	if err := profiles.Put(1001, userProfile{Name: "Jane Smith", Age: 31, Occupation: "Engineer"}); err != nil {
		return err
	}

	p, found, err := profiles.Get(1001)
	if err != nil {
		return err
	}
	if found {
		fmt.Printf("Profile 1001: %s (%d), %s\n", p.Name, p.Age, p.Occupation)
	}
	return nil
}

func printValue(db *engine.Database[string, string], key string) {
	v, found, err := db.Get(key)
	if err != nil {
		fmt.Println(key+":", "error:", err)
		return
	}
	if !found {
		fmt.Println(key+":", "Not found")
		return
	}
	fmt.Println(key+":", v)
}
