// Created by Yanjunhui

package engine

import (
	"bytes"
	"sync"

	"github.com/monolite/localkv/codec"
	"github.com/monolite/localkv/storage"
)

// DefaultTreeOrder 默认 B+Tree 阶数
// EN: DefaultTreeOrder is the default B+Tree order.
const DefaultTreeOrder = 128

// Options 打开数据库的可选配置
// EN: Options configures optional database parameters.
type Options struct {
	// BufferPoolSize 缓冲池容量（页数），0 表示默认值
	// EN: BufferPoolSize is the pool capacity in pages; 0 means default.
	BufferPoolSize int
	// Logger 日志器，nil 表示全局默认
	// EN: Logger overrides the global default logger.
	Logger *Logger
}

// Database 持久化有序 KV 数据库
// EN: Database is the persistent, ordered, ACID key-value store.
//
// 组成：一棵分页 B+Tree（缓冲池 + 磁盘管理器归它所有）、
// 一个 WAL 实例和一个事务协调器。
// EN: It owns exactly one paged B+Tree (which owns the buffer pool, which
// owns the disk manager), one WAL instance and one transaction coordinator.
//
// 并发模型：进程级读写锁。
// 读操作（Get/Range/ContainsKey/Size/IsEmpty）持读锁；
// 写操作（Put/Delete/CompareAndSet/Commit/Rollback/Close）持写锁，
// 因此写入全局串行化。
// EN: Concurrency model: one process-wide RWMutex. Reads take the read lock;
// writes take the write lock, so writes are globally serialized.
type Database[K, V any] struct {
	tree    *storage.BPlusTree[K, V]
	wal     *storage.FileWAL[K, V]
	txns    *TransactionManager[K, V]
	compare codec.Comparator[K]

	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]

	logger *Logger
	mu     sync.RWMutex
	closed bool
}

// Open 打开或创建数据库并执行崩溃恢复
// EN: Open opens or creates the database and runs crash recovery before
// serving any request.
func Open[K, V any](dataPath, walPath string, order int, kc codec.Codec[K], vc codec.Codec[V], cmp codec.Comparator[K]) (*Database[K, V], error) {
	return OpenWithOptions(dataPath, walPath, order, kc, vc, cmp, Options{})
}

// OpenWithOptions 带配置打开数据库
// EN: OpenWithOptions opens the database with explicit options.
func OpenWithOptions[K, V any](dataPath, walPath string, order int, kc codec.Codec[K], vc codec.Codec[V], cmp codec.Comparator[K], opts Options) (*Database[K, V], error) {
	poolSize := opts.BufferPoolSize
	if poolSize <= 0 {
		poolSize = storage.DefaultBufferPoolSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = GetLogger()
	}

	wal, err := storage.OpenWAL(walPath, kc, vc)
	if err != nil {
		return nil, wrapStorageError(err)
	}

	tree, err := storage.OpenBPlusTree(dataPath, order, kc, vc, cmp, poolSize)
	if err != nil {
		wal.Close()
		return nil, wrapStorageError(err)
	}

	db := &Database[K, V]{
		tree:       tree,
		wal:        wal,
		txns:       NewTransactionManager(wal, cmp, logger),
		compare:    cmp,
		keyCodec:   kc,
		valueCodec: vc,
		logger:     logger,
	}

	if err := db.recover(); err != nil {
		tree.Close()
		wal.Close()
		return nil, err
	}

	return db, nil
}

// checkClosed 关闭后的任何调用都是前置条件错误
// EN: checkClosed makes any post-Close call a precondition error.
// 调用方需持有 db.mu（读或写）
// EN: Caller must hold db.mu (read or write).
func (db *Database[K, V]) checkClosed() error {
	if db.closed {
		return ErrDatabaseClosed()
	}
	return nil
}

// Get 点查（已提交状态）
// EN: Get performs a point lookup against committed state.
func (db *Database[K, V]) Get(key K) (V, bool, error) {
	var zero V
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkClosed(); err != nil {
		return zero, false, err
	}
	v, found, err := db.tree.Search(key)
	if err != nil {
		return zero, false, wrapStorageError(err)
	}
	return v, found, nil
}

// GetTx 事务内点查：读己之写
// EN: GetTx performs a point lookup honoring the transaction's pending
// operations: the latest pending op on the key wins (DELETE → absent,
// INSERT/UPDATE → its value); otherwise the committed tree is read.
func (db *Database[K, V]) GetTx(key K, txn *Transaction[K, V]) (V, bool, error) {
	if txn == nil || !txn.IsActive() {
		return db.Get(key)
	}

	var zero V
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkClosed(); err != nil {
		return zero, false, err
	}

	if pending, has := txn.pendingValue(key); has {
		if pending == nil {
			return zero, false, nil
		}
		return *pending, true, nil
	}

	v, found, err := db.tree.Search(key)
	if err != nil {
		return zero, false, wrapStorageError(err)
	}
	return v, found, nil
}

// Put 自动提交写入
// EN: Put is the autocommit form: begin → put → commit, rollback on failure.
func (db *Database[K, V]) Put(key K, value V) error {
	txn, err := db.BeginTransaction()
	if err != nil {
		return err
	}
	if err := db.PutTx(key, value, txn); err != nil {
		db.RollbackTransaction(txn)
		return err
	}
	if err := db.CommitTransaction(txn); err != nil {
		if txn.IsActive() {
			db.RollbackTransaction(txn)
		}
		return err
	}
	return nil
}

// PutTx 事务内写入
// EN: PutTx records a write inside the transaction.
// 先查已提交树取旧值，据此选择 INSERT 或 UPDATE 记录类型
// EN: The committed tree is consulted for the prior value, which selects the
// INSERT vs UPDATE record kind.
func (db *Database[K, V]) PutTx(key K, value V, txn *Transaction[K, V]) error {
	if txn == nil {
		return ErrNilTransaction()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkClosed(); err != nil {
		return err
	}
	if !txn.IsActive() {
		return ErrTransactionNotActive(txn.id)
	}

	oldValue, found, err := db.tree.Search(key)
	if err != nil {
		return wrapStorageError(err)
	}

	op := storage.OpInsert
	var oldPtr *V
	if found {
		op = storage.OpUpdate
		oldPtr = &oldValue
	}

	entry := &storage.WALEntry[K, V]{
		TransactionId: txn.id,
		Op:            op,
		Key:           &key,
		Value:         &value,
		OldValue:      oldPtr,
	}
	return db.txns.AddOperation(txn, entry)
}

// Delete 自动提交删除，返回键是否存在
// EN: Delete is the autocommit delete; reports whether the key existed.
func (db *Database[K, V]) Delete(key K) (bool, error) {
	txn, err := db.BeginTransaction()
	if err != nil {
		return false, err
	}
	deleted, err := db.DeleteTx(key, txn)
	if err != nil {
		db.RollbackTransaction(txn)
		return false, err
	}
	if err := db.CommitTransaction(txn); err != nil {
		if txn.IsActive() {
			db.RollbackTransaction(txn)
		}
		return false, err
	}
	return deleted, nil
}

// DeleteTx 事务内删除
// EN: DeleteTx records a delete inside the transaction.
// 已提交树中不存在的键直接返回 false，不记录操作
// EN: Deleting a key absent from the committed tree records nothing and
// returns false.
func (db *Database[K, V]) DeleteTx(key K, txn *Transaction[K, V]) (bool, error) {
	if txn == nil {
		return false, ErrNilTransaction()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkClosed(); err != nil {
		return false, err
	}
	if !txn.IsActive() {
		return false, ErrTransactionNotActive(txn.id)
	}

	oldValue, found, err := db.tree.Search(key)
	if err != nil {
		return false, wrapStorageError(err)
	}
	if !found {
		return false, nil
	}

	entry := &storage.WALEntry[K, V]{
		TransactionId: txn.id,
		Op:            storage.OpDelete,
		Key:           &key,
		OldValue:      &oldValue,
	}
	if err := db.txns.AddOperation(txn, entry); err != nil {
		return false, err
	}
	return true, nil
}

// Range 闭区间范围查询（已提交状态），按键序返回值
// EN: Range returns values for committed keys in [startKey, endKey] in
// ascending key order.
func (db *Database[K, V]) Range(startKey, endKey K) ([]V, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkClosed(); err != nil {
		return nil, err
	}

	cursor, err := db.tree.Range(startKey, endKey)
	if err != nil {
		return nil, wrapStorageError(err)
	}
	values, err := cursor.Collect()
	if err != nil {
		return nil, wrapStorageError(err)
	}
	return values, nil
}

// RangeTx 事务内范围查询：合并未提交写
// EN: RangeTx merges the transaction's pending operations into the committed
// range: pending values win per key, pending deletes drop the key, and
// pending-only keys appear at their sorted position.
func (db *Database[K, V]) RangeTx(startKey, endKey K, txn *Transaction[K, V]) ([]V, error) {
	if txn == nil || !txn.IsActive() {
		return db.Range(startKey, endKey)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkClosed(); err != nil {
		return nil, err
	}

	cursor, err := db.tree.Range(startKey, endKey)
	if err != nil {
		return nil, wrapStorageError(err)
	}
	committed, err := cursor.CollectPairs()
	if err != nil {
		return nil, wrapStorageError(err)
	}

	pending := txn.pendingRange(startKey, endKey)

	// 双指针归并：两路都按键升序
	// EN: Two-pointer merge; both streams ascend by key.
	var out []V
	ci, pi := 0, 0
	for ci < len(committed) || pi < len(pending) {
		switch {
		case ci >= len(committed):
			if !pending[pi].deleted {
				out = append(out, pending[pi].value)
			}
			pi++
		case pi >= len(pending):
			out = append(out, committed[ci].Value)
			ci++
		default:
			cmp := db.compare(committed[ci].Key, pending[pi].key)
			switch {
			case cmp < 0:
				out = append(out, committed[ci].Value)
				ci++
			case cmp > 0:
				if !pending[pi].deleted {
					out = append(out, pending[pi].value)
				}
				pi++
			default:
				// 同键：未提交操作胜出
				// EN: Same key: the pending operation wins.
				if !pending[pi].deleted {
					out = append(out, pending[pi].value)
				}
				ci++
				pi++
			}
		}
	}
	return out, nil
}

// ContainsKey 键是否存在（已提交状态）
// EN: ContainsKey reports whether the key exists in committed state.
func (db *Database[K, V]) ContainsKey(key K) (bool, error) {
	_, found, err := db.Get(key)
	return found, err
}

// ContainsKeyTx 事务内键是否存在
// EN: ContainsKeyTx is the transactional form of ContainsKey.
func (db *Database[K, V]) ContainsKeyTx(key K, txn *Transaction[K, V]) (bool, error) {
	_, found, err := db.GetTx(key, txn)
	return found, err
}

// Size 键总数
// EN: Size returns the number of live keys.
func (db *Database[K, V]) Size() (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkClosed(); err != nil {
		return 0, err
	}
	n, err := db.tree.Count()
	if err != nil {
		return 0, wrapStorageError(err)
	}
	return n, nil
}

// IsEmpty 数据库是否为空
// EN: IsEmpty reports whether the store holds no keys.
func (db *Database[K, V]) IsEmpty() (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkClosed(); err != nil {
		return false, err
	}
	empty, err := db.tree.IsEmpty()
	if err != nil {
		return false, wrapStorageError(err)
	}
	return empty, nil
}

// CompareAndSet 自动提交条件更新
// EN: CompareAndSet is the autocommit conditional update.
// 操作时或提交时条件不满足都返回 false
// EN: Returns false when the precondition fails at operation time or at
// commit time.
func (db *Database[K, V]) CompareAndSet(key K, expected *V, newValue V) (bool, error) {
	txn, err := db.BeginTransaction()
	if err != nil {
		return false, err
	}

	ok, err := db.CompareAndSetTx(key, expected, newValue, txn)
	if err != nil {
		db.RollbackTransaction(txn)
		return false, err
	}
	if !ok {
		db.RollbackTransaction(txn)
		return false, nil
	}

	if err := db.CommitTransaction(txn); err != nil {
		if IsCompareAndSetError(err) {
			// 提交竞争失败者：对自动提交形式表现为 false
			// EN: The commit-race loser surfaces as false in autocommit form.
			return false, nil
		}
		if txn.IsActive() {
			db.RollbackTransaction(txn)
		}
		return false, err
	}
	return true, nil
}

// CompareAndSetTx 事务内条件更新
// EN: CompareAndSetTx records a conditional update inside the transaction.
//
// 操作时检查读己之写下的当前值；不匹配立即返回 false 且不记录任何操作。
// 匹配则登记 (key, expected) 为提交时前置条件并记录数据操作。
// EN: The operation-time check reads the current value under read-your-writes;
// a mismatch returns false with nothing recorded. On match, (key, expected)
// becomes a commit-time precondition and the data operation is recorded.
func (db *Database[K, V]) CompareAndSetTx(key K, expected *V, newValue V, txn *Transaction[K, V]) (bool, error) {
	if txn == nil {
		return false, ErrNilTransaction()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkClosed(); err != nil {
		return false, err
	}
	if !txn.IsActive() {
		return false, ErrTransactionNotActive(txn.id)
	}

	// 操作时检查：当前值（含读己之写）必须等于期望值
	// EN: Operation-time check against the read-your-writes current value.
	var current *V
	if pending, has := txn.pendingValue(key); has {
		current = pending
	} else {
		v, found, err := db.tree.Search(key)
		if err != nil {
			return false, wrapStorageError(err)
		}
		if found {
			current = &v
		}
	}

	match, err := db.optionalValuesEqual(current, expected)
	if err != nil {
		return false, err
	}
	if !match {
		return false, nil
	}

	if err := txn.addCASCheck(key, expected); err != nil {
		return false, err
	}

	// 主写路径记录 INSERT/UPDATE 类型；CAS 类型保留给前向兼容
	// EN: The primary write path records INSERT/UPDATE; the distinct CAS kind
	// stays reserved for forward compatibility.
	op := storage.OpInsert
	if current != nil {
		op = storage.OpUpdate
	}
	entry := &storage.WALEntry[K, V]{
		TransactionId: txn.id,
		Op:            op,
		Key:           &key,
		Value:         &newValue,
		OldValue:      current,
	}
	if err := db.txns.AddOperation(txn, entry); err != nil {
		return false, err
	}
	return true, nil
}

// BeginTransaction 开始新事务
// EN: BeginTransaction starts a new transaction.
func (db *Database[K, V]) BeginTransaction() (*Transaction[K, V], error) {
	db.mu.RLock()
	err := db.checkClosed()
	db.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return db.txns.Begin()
}

// CommitTransaction 提交事务
// EN: CommitTransaction commits the transaction.
//
// 提交顺序：校验 CAS 前置条件 → 将数据操作按序应用到树
// → 追加 TX_COMMIT → 刷盘。任一 CAS 校验失败则整个事务中止，
// 其余数据操作一并丢弃。
// EN: Commit order: validate CAS preconditions → apply data operations to the
// tree in order → append TX_COMMIT → flush. Any CAS failure aborts the whole
// transaction, discarding its other operations.
func (db *Database[K, V]) CommitTransaction(txn *Transaction[K, V]) error {
	if txn == nil {
		return ErrNilTransaction()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkClosed(); err != nil {
		return err
	}
	if !txn.IsActive() {
		return ErrTransactionNotActive(txn.id)
	}

	// 提交时校验：逐个 CAS 前置条件对已提交树重读
	// EN: Commit-time validation: re-read the committed tree per precondition.
	txn.mu.Lock()
	checks := make([]casCheck[K, V], len(txn.casChecks))
	copy(checks, txn.casChecks)
	txn.mu.Unlock()

	for _, check := range checks {
		var actual *V
		v, found, err := db.tree.Search(check.key)
		if err != nil {
			return wrapStorageError(err)
		}
		if found {
			actual = &v
		}

		match, err := db.optionalValuesEqual(actual, check.expected)
		if err != nil {
			return err
		}
		if !match {
			if rbErr := db.txns.Rollback(txn); rbErr != nil {
				return rbErr
			}
			return &CompareAndSetError{
				Key:      check.key,
				Expected: derefOrNil(check.expected),
				Actual:   derefOrNil(actual),
			}
		}
	}

	// 数据记录已在 WAL 中；先改树，再落提交记录
	// EN: Data records are already in the WAL; mutate the tree, then make the
	// commit record durable. The tree is not flushed before the commit record.
	for _, e := range txn.Operations() {
		switch e.Op {
		case storage.OpInsert, storage.OpUpdate, storage.OpCompareAndSet:
			if err := db.tree.Insert(*e.Key, *e.Value); err != nil {
				return wrapStorageError(err)
			}
		case storage.OpDelete:
			if _, err := db.tree.Delete(*e.Key); err != nil {
				return wrapStorageError(err)
			}
		}
	}

	return db.txns.Commit(txn)
}

// RollbackTransaction 回滚事务：树不发生任何变更
// EN: RollbackTransaction aborts the transaction; the tree is never mutated.
func (db *Database[K, V]) RollbackTransaction(txn *Transaction[K, V]) error {
	if txn == nil {
		return ErrNilTransaction()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkClosed(); err != nil {
		return err
	}
	return db.txns.Rollback(txn)
}

// Flush 将 WAL 缓冲刷到磁盘
// EN: Flush makes all appended WAL records durable.
func (db *Database[K, V]) Flush() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkClosed(); err != nil {
		return err
	}
	return wrapStorageError(db.wal.Flush())
}

// Close 关闭数据库
// EN: Close shuts the database down.
// 残留事务回滚 → WAL 关闭 → 树刷盘并关闭；之后任何调用都报错
// EN: Straggler transactions are rolled back, the WAL is closed, the tree is
// flushed and closed; every later call fails with a precondition error.
func (db *Database[K, V]) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}

	db.logger.Info("shutting down database")

	if err := db.txns.Shutdown(); err != nil {
		return err
	}
	if err := db.wal.Close(); err != nil {
		return wrapStorageError(err)
	}
	if err := db.tree.Close(); err != nil {
		return wrapStorageError(err)
	}

	db.closed = true
	db.logger.Info("database shutdown complete")
	return nil
}

// Stats 树结构统计
// EN: Stats reports tree structure statistics.
func (db *Database[K, V]) Stats() (storage.TreeStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkClosed(); err != nil {
		return storage.TreeStats{}, err
	}
	return db.tree.Stats()
}

// recover 启动恢复：WAL 是唯一事实来源
// EN: recover replays the WAL, the sole source of truth, before serving.
//
// 单次扫描累积每个事务的数据记录；TX_COMMIT 把事务移入已提交集合，
// TX_ROLLBACK 丢弃记录。扫描结束后按提交序号升序应用已提交事务
// （INSERT/UPDATE/CAS → 树插入，DELETE → 树删除；插入是幂等 upsert，
// 删除不存在键是空操作，因此重放幂等）。
// 只有 TX_BEGIN 而无终结记录的事务按崩溃中途处理：告警并补写回滚记录。
//
// EN: One scan accumulates per-transaction data records; TX_COMMIT moves a
// transaction into the committed set, TX_ROLLBACK discards it. Committed
// transactions are then applied in ascending commit-sequence order (upsert /
// delete-absent-is-noop make replay idempotent). Transactions with a begin
// but no terminator crashed mid-flight: they are rolled back with a warning.
func (db *Database[K, V]) recover() error {
	db.logger.Info("starting database recovery")

	entries, err := db.wal.ReadAll()
	if err != nil {
		return wrapStorageError(err)
	}

	pending := make(map[uint64][]*storage.WALEntry[K, V])
	began := make(map[uint64]bool)
	var committed [][]*storage.WALEntry[K, V]
	var maxTxnId uint64

	for _, e := range entries {
		if e.TransactionId > maxTxnId {
			maxTxnId = e.TransactionId
		}
		switch {
		case e.Op == storage.OpTxBegin:
			began[e.TransactionId] = true
			pending[e.TransactionId] = nil
		case e.Op.IsDataOp():
			pending[e.TransactionId] = append(pending[e.TransactionId], e)
		case e.Op == storage.OpTxCommit:
			// 文件顺序即提交序号升序
			// EN: File order equals ascending commit-sequence order.
			committed = append(committed, pending[e.TransactionId])
			delete(pending, e.TransactionId)
			delete(began, e.TransactionId)
		case e.Op == storage.OpTxRollback:
			delete(pending, e.TransactionId)
			delete(began, e.TransactionId)
		}
	}

	db.txns.observeRecoveredTxnId(maxTxnId)

	applied := 0
	for _, ops := range committed {
		for _, e := range ops {
			switch e.Op {
			case storage.OpInsert, storage.OpUpdate, storage.OpCompareAndSet:
				// CAS 记录按普通插入重放：前置条件在原始提交时已校验
				// EN: CAS records replay as plain upserts; their preconditions
				// were validated at original commit time.
				if err := db.tree.Insert(*e.Key, *e.Value); err != nil {
					return wrapStorageError(err)
				}
			case storage.OpDelete:
				if _, err := db.tree.Delete(*e.Key); err != nil {
					return wrapStorageError(err)
				}
			}
			applied++
		}
	}

	// 崩溃中途的事务：补写回滚记录
	// EN: Mid-flight transactions: write their rollback records now.
	orphans := 0
	for txnId := range began {
		db.logger.Warn("rolling back orphaned transaction", map[string]interface{}{"txnId": txnId})
		rollback := &storage.WALEntry[K, V]{
			TransactionId: txnId,
			Op:            storage.OpTxRollback,
		}
		if err := db.wal.Append(rollback); err != nil {
			return wrapStorageError(err)
		}
		orphans++
	}
	if orphans > 0 {
		if err := db.wal.Flush(); err != nil {
			return wrapStorageError(err)
		}
	}

	if err := db.tree.Sync(); err != nil {
		return wrapStorageError(err)
	}

	db.logger.Info("database recovery completed", map[string]interface{}{
		"committedTxns": len(committed),
		"appliedOps":    applied,
		"orphanedTxns":  orphans,
	})
	return nil
}

// optionalValuesEqual 比较两个可缺失值
// EN: optionalValuesEqual compares two optional values.
// 都缺失为相等；都存在时按编码字节比较（编码必须确定）
// EN: Both-absent is equal; both-present compares encoded bytes (encoding is
// required to be deterministic).
func (db *Database[K, V]) optionalValuesEqual(a, b *V) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	ab, err := db.valueCodec.Encode(*a)
	if err != nil {
		return false, WrapEngineError(ErrorCodeSerializationFailed, err.Error(), err)
	}
	bb, err := db.valueCodec.Encode(*b)
	if err != nil {
		return false, WrapEngineError(ErrorCodeSerializationFailed, err.Error(), err)
	}
	return bytes.Equal(ab, bb), nil
}

func derefOrNil[V any](v *V) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
