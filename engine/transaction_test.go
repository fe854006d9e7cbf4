// Created by Yanjunhui

package engine

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/monolite/localkv/codec"
	"github.com/monolite/localkv/storage"
)

func newTestManager(t *testing.T) (*TransactionManager[string, string], *storage.FileWAL[string, string]) {
	t.Helper()
	wal, err := storage.OpenWAL(filepath.Join(t.TempDir(), "tx.wal"), codec.String, codec.String)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	t.Cleanup(func() { wal.Close() })

	logger := NewLogger(io.Discard)
	return NewTransactionManager(wal, codec.CompareString, logger), wal
}

func strPtr(s string) *string { return &s }

func TestTransactionLifecycle(t *testing.T) {
	tm, wal := newTestManager(t)

	txn, err := tm.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if !txn.IsActive() {
		t.Error("new transaction should be active")
	}
	if txn.Id() == 0 {
		t.Error("transaction id should be assigned")
	}
	if tm.ActiveCount() != 1 {
		t.Errorf("active count: got %d, want 1", tm.ActiveCount())
	}

	op := &storage.WALEntry[string, string]{
		TransactionId: txn.Id(),
		Op:            storage.OpInsert,
		Key:           strPtr("k"),
		Value:         strPtr("v"),
	}
	if err := tm.AddOperation(txn, op); err != nil {
		t.Fatalf("AddOperation failed: %v", err)
	}
	if len(txn.Operations()) != 1 {
		t.Errorf("operation count: got %d, want 1", len(txn.Operations()))
	}

	if err := tm.Commit(txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if txn.State() != TxnStateCommitted {
		t.Error("transaction should be committed")
	}
	if tm.ActiveCount() != 0 {
		t.Errorf("active count after commit: got %d", tm.ActiveCount())
	}

	// 事务已终结后不可再提交、回滚或添加操作
	// EN: A terminated transaction accepts no further commit/rollback/ops.
	if err := tm.Commit(txn); err == nil {
		t.Error("expected error committing a committed transaction")
	}
	if err := tm.Rollback(txn); err == nil {
		t.Error("expected error rolling back a committed transaction")
	}
	if err := tm.AddOperation(txn, op); err == nil {
		t.Error("expected error adding operation to a committed transaction")
	}

	// WAL 中必须有 BEGIN、数据操作和 COMMIT，且各带一个终结记录
	// EN: The WAL must contain BEGIN, the data op and exactly one COMMIT.
	entries, err := wal.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	var kinds []storage.OpKind
	for _, e := range entries {
		kinds = append(kinds, e.Op)
	}
	want := []storage.OpKind{storage.OpTxBegin, storage.OpInsert, storage.OpTxCommit}
	if len(kinds) != len(want) {
		t.Fatalf("WAL kinds mismatch: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("WAL kind %d: got %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestTransactionRollback(t *testing.T) {
	tm, wal := newTestManager(t)

	txn, err := tm.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tm.Rollback(txn); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if txn.State() != TxnStateAborted {
		t.Error("transaction should be aborted")
	}

	entries, err := wal.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 2 || entries[1].Op != storage.OpTxRollback {
		t.Errorf("expected BEGIN + ROLLBACK, got %d entries", len(entries))
	}
}

func TestTransactionIdsMonotonic(t *testing.T) {
	tm, _ := newTestManager(t)

	var last uint64
	for i := 0; i < 5; i++ {
		txn, err := tm.Begin()
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		if txn.Id() <= last {
			t.Errorf("transaction ids not monotonic: %d after %d", txn.Id(), last)
		}
		last = txn.Id()
		tm.Rollback(txn)
	}
}

func TestTransactionShutdownRollsBackActive(t *testing.T) {
	tm, wal := newTestManager(t)

	t1, err := tm.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	t2, err := tm.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := tm.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if t1.State() != TxnStateAborted || t2.State() != TxnStateAborted {
		t.Error("shutdown should abort all active transactions")
	}
	if tm.ActiveCount() != 0 {
		t.Errorf("active count after shutdown: got %d", tm.ActiveCount())
	}

	entries, err := wal.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	rollbacks := 0
	for _, e := range entries {
		if e.Op == storage.OpTxRollback {
			rollbacks++
		}
	}
	if rollbacks != 2 {
		t.Errorf("rollback records: got %d, want 2", rollbacks)
	}
}

func TestTransactionOverlay(t *testing.T) {
	tm, _ := newTestManager(t)

	txn, err := tm.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// 同键多次操作：最近一次胜出
	// EN: Multiple operations per key: the latest wins.
	addOp := func(op storage.OpKind, key string, value *string) {
		t.Helper()
		e := &storage.WALEntry[string, string]{TransactionId: txn.Id(), Op: op, Key: &key, Value: value}
		if err := tm.AddOperation(txn, e); err != nil {
			t.Fatalf("AddOperation failed: %v", err)
		}
	}

	addOp(storage.OpInsert, "a", strPtr("1"))
	addOp(storage.OpUpdate, "a", strPtr("2"))
	addOp(storage.OpInsert, "b", strPtr("3"))
	addOp(storage.OpDelete, "b", nil)

	if v, has := txn.pendingValue("a"); !has || v == nil || *v != "2" {
		t.Errorf("pending value for a: got (%v, %v)", v, has)
	}
	if v, has := txn.pendingValue("b"); !has || v != nil {
		t.Errorf("pending value for b should be a delete marker: got (%v, %v)", v, has)
	}
	if _, has := txn.pendingValue("c"); has {
		t.Error("key c should have no pending operation")
	}

	// 范围收集按键升序
	// EN: Range collection ascends by key.
	items := txn.pendingRange("a", "z")
	if len(items) != 2 || items[0].key != "a" || items[1].key != "b" {
		t.Errorf("pending range mismatch: %+v", items)
	}
	if items[0].deleted || !items[1].deleted {
		t.Errorf("deletion flags mismatch: %+v", items)
	}
}
