// Created by Yanjunhui

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/monolite/localkv/codec"
	"github.com/monolite/localkv/storage"
)

// 事务状态
// EN: Transaction states.
const (
	// TxnStateActive 活跃
	TxnStateActive = iota
	// TxnStateCommitted 已提交
	TxnStateCommitted
	// TxnStateAborted 已中止
	TxnStateAborted
)

// overlayItem 事务内未提交写的覆盖项
// EN: overlayItem is one pending write in a transaction's overlay.
// deleted 为 true 表示该键的最近一次未提交操作是删除
// EN: deleted means the latest pending operation on the key is a delete.
type overlayItem[K, V any] struct {
	key     K
	value   V
	deleted bool
}

// casCheck 提交时需要重新校验的 CAS 前置条件
// EN: casCheck is one compare-and-set precondition re-validated at commit.
// expected 为 nil 表示期望"键不存在"
// EN: nil expected means the key is expected to be absent.
type casCheck[K, V any] struct {
	key      K
	expected *V
}

// Transaction 一个数据库事务
// EN: Transaction is one database transaction.
//
// 事务以 ACTIVE 创建，最终恰好一次转为 COMMITTED 或 ABORTED。
// 它按提交顺序持有自己的数据操作记录；覆盖树（google/btree）
// 维护"每个键最近一次未提交操作"，支撑事务内读己之写的点查和范围合并。
//
// EN: Created ACTIVE; terminates exactly once as COMMITTED or ABORTED. It
// holds its data-operation records in submission order; the overlay btree
// tracks the latest pending operation per key, backing read-your-writes point
// lookups and range merging inside the transaction.
type Transaction[K, V any] struct {
	id    uint64
	mu    sync.Mutex
	state int

	ops       []*storage.WALEntry[K, V]
	casChecks []casCheck[K, V]
	overlay   *btree.BTreeG[overlayItem[K, V]]
	compare   codec.Comparator[K]
}

func newTransaction[K, V any](id uint64, cmp codec.Comparator[K]) *Transaction[K, V] {
	return &Transaction[K, V]{
		id:      id,
		state:   TxnStateActive,
		compare: cmp,
		overlay: btree.NewG(8, func(a, b overlayItem[K, V]) bool {
			return cmp(a.key, b.key) < 0
		}),
	}
}

// Id 返回事务 ID
// EN: Id returns the transaction id.
func (t *Transaction[K, V]) Id() uint64 {
	return t.id
}

// State 返回事务当前状态
// EN: State returns the current state.
func (t *Transaction[K, V]) State() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsActive 事务是否仍可接受操作
// EN: IsActive reports whether the transaction still accepts operations.
func (t *Transaction[K, V]) IsActive() bool {
	return t.State() == TxnStateActive
}

// setState 迁移事务状态
// EN: setState transitions the state.
func (t *Transaction[K, V]) setState(state int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

// addOperation 记录一条数据操作
// EN: addOperation records one data operation.
func (t *Transaction[K, V]) addOperation(e *storage.WALEntry[K, V]) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxnStateActive {
		return ErrTransactionNotActive(t.id)
	}

	t.ops = append(t.ops, e)

	// 更新读己之写覆盖树：同键后写胜出
	// EN: Update the read-your-writes overlay: the latest write per key wins.
	if e.Key != nil {
		item := overlayItem[K, V]{key: *e.Key}
		if e.Op == storage.OpDelete {
			item.deleted = true
		} else if e.Value != nil {
			item.value = *e.Value
		}
		t.overlay.ReplaceOrInsert(item)
	}

	return nil
}

// addCASCheck 登记提交时校验的 CAS 前置条件
// EN: addCASCheck registers a commit-time CAS precondition.
func (t *Transaction[K, V]) addCASCheck(key K, expected *V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxnStateActive {
		return ErrTransactionNotActive(t.id)
	}
	t.casChecks = append(t.casChecks, casCheck[K, V]{key: key, expected: expected})
	return nil
}

// Operations 返回操作列表副本
// EN: Operations returns a copy of the operation list.
func (t *Transaction[K, V]) Operations() []*storage.WALEntry[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*storage.WALEntry[K, V], len(t.ops))
	copy(out, t.ops)
	return out
}

// pendingValue 查询键的最近未提交操作
// EN: pendingValue looks up the latest pending operation on a key.
// 第二个返回值表示是否存在未提交操作；存在且第一个返回值为 nil 表示已删除
// EN: The boolean reports whether a pending operation exists; a nil value with
// true means the key is pending-deleted.
func (t *Transaction[K, V]) pendingValue(key K) (*V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.overlay.Get(overlayItem[K, V]{key: key})
	if !ok {
		return nil, false
	}
	if item.deleted {
		return nil, true
	}
	v := item.value
	return &v, true
}

// pendingRange 收集 [lo, hi] 内的全部覆盖项（键升序）
// EN: pendingRange collects overlay items within [lo, hi] in ascending order.
func (t *Transaction[K, V]) pendingRange(lo, hi K) []overlayItem[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []overlayItem[K, V]
	t.overlay.AscendGreaterOrEqual(overlayItem[K, V]{key: lo}, func(item overlayItem[K, V]) bool {
		if t.compare(item.key, hi) > 0 {
			return false
		}
		out = append(out, item)
		return true
	})
	return out
}

// TransactionManager 事务协调器
// EN: TransactionManager coordinates transaction lifecycle with the WAL.
//
// 职责：
// EN: Responsibilities:
//   - 创建并跟踪活跃事务
//     EN: create and track active transactions
//   - 事务边界记录先于确认落入 WAL
//     EN: durably record transaction boundaries in the WAL
//   - 关停时回滚残留事务
//     EN: roll back stragglers at shutdown
type TransactionManager[K, V any] struct {
	wal     *storage.FileWAL[K, V]
	compare codec.Comparator[K]
	logger  *Logger

	mu         sync.RWMutex
	active     map[uint64]*Transaction[K, V]
	nextTxnId  atomic.Uint64
	globalLock sync.RWMutex
}

// NewTransactionManager 创建事务协调器
// EN: NewTransactionManager creates a transaction manager over the WAL.
func NewTransactionManager[K, V any](wal *storage.FileWAL[K, V], cmp codec.Comparator[K], logger *Logger) *TransactionManager[K, V] {
	return &TransactionManager[K, V]{
		wal:     wal,
		compare: cmp,
		logger:  logger,
		active:  make(map[uint64]*Transaction[K, V]),
	}
}

// Begin 开始新事务：TX_BEGIN 落盘后才返回句柄
// EN: Begin starts a transaction; the handle is returned only after TX_BEGIN
// is durable.
func (tm *TransactionManager[K, V]) Begin() (*Transaction[K, V], error) {
	txn := newTransaction[K, V](tm.nextTxnId.Add(1), tm.compare)

	beginEntry := &storage.WALEntry[K, V]{
		TransactionId: txn.id,
		Op:            storage.OpTxBegin,
	}
	if err := tm.wal.Append(beginEntry); err != nil {
		return nil, wrapStorageError(err)
	}
	if err := tm.wal.Flush(); err != nil {
		return nil, wrapStorageError(err)
	}

	tm.mu.Lock()
	tm.active[txn.id] = txn
	tm.mu.Unlock()

	tm.logger.Debug("started transaction", map[string]interface{}{"txnId": txn.id})
	return txn, nil
}

// AddOperation 把数据操作写入 WAL（暂不刷盘）并登记到事务
// EN: AddOperation appends the record to the WAL (not yet flushed) and to the
// transaction's operation list. Requires the transaction to be active.
func (tm *TransactionManager[K, V]) AddOperation(txn *Transaction[K, V], e *storage.WALEntry[K, V]) error {
	tm.globalLock.RLock()
	defer tm.globalLock.RUnlock()

	if !txn.IsActive() {
		return ErrTransactionNotActive(txn.id)
	}

	if err := tm.wal.Append(e); err != nil {
		return wrapStorageError(err)
	}
	return txn.addOperation(e)
}

// Commit 标记提交并落盘 TX_COMMIT
// EN: Commit marks the transaction COMMITTED and makes TX_COMMIT durable.
// CAS 校验与树应用由数据库门面在调用前完成
// EN: CAS validation and tree application happen in the façade before this.
func (tm *TransactionManager[K, V]) Commit(txn *Transaction[K, V]) error {
	tm.globalLock.Lock()
	defer tm.globalLock.Unlock()

	if !txn.IsActive() {
		return ErrTransactionNotActive(txn.id)
	}

	txn.setState(TxnStateCommitted)

	commitEntry := &storage.WALEntry[K, V]{
		TransactionId: txn.id,
		Op:            storage.OpTxCommit,
	}
	if err := tm.wal.Append(commitEntry); err != nil {
		return wrapStorageError(err)
	}
	if err := tm.wal.Flush(); err != nil {
		return wrapStorageError(err)
	}

	tm.mu.Lock()
	delete(tm.active, txn.id)
	tm.mu.Unlock()

	tm.logger.Debug("committed transaction", map[string]interface{}{"txnId": txn.id})
	return nil
}

// Rollback 标记中止并落盘 TX_ROLLBACK；树不发生任何变更
// EN: Rollback marks the transaction ABORTED and makes TX_ROLLBACK durable;
// the tree is never touched.
func (tm *TransactionManager[K, V]) Rollback(txn *Transaction[K, V]) error {
	tm.globalLock.Lock()
	defer tm.globalLock.Unlock()
	return tm.rollbackLocked(txn)
}

func (tm *TransactionManager[K, V]) rollbackLocked(txn *Transaction[K, V]) error {
	if !txn.IsActive() {
		return ErrTransactionNotActive(txn.id)
	}

	txn.setState(TxnStateAborted)

	rollbackEntry := &storage.WALEntry[K, V]{
		TransactionId: txn.id,
		Op:            storage.OpTxRollback,
	}
	if err := tm.wal.Append(rollbackEntry); err != nil {
		return wrapStorageError(err)
	}
	if err := tm.wal.Flush(); err != nil {
		return wrapStorageError(err)
	}

	tm.mu.Lock()
	delete(tm.active, txn.id)
	tm.mu.Unlock()

	tm.logger.Debug("rolled back transaction", map[string]interface{}{"txnId": txn.id})
	return nil
}

// ActiveCount 当前活跃事务数
// EN: ActiveCount returns the number of active transactions.
func (tm *TransactionManager[K, V]) ActiveCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.active)
}

// observeRecoveredTxnId 让 ID 生成器越过恢复时见到的事务号
// EN: observeRecoveredTxnId advances the id generator past ids seen during
// recovery, keeping ids process-wide monotonic across restarts.
func (tm *TransactionManager[K, V]) observeRecoveredTxnId(id uint64) {
	for {
		cur := tm.nextTxnId.Load()
		if cur >= id {
			return
		}
		if tm.nextTxnId.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Shutdown 回滚所有仍活跃的事务并清空状态
// EN: Shutdown rolls back every still-active transaction and clears state.
func (tm *TransactionManager[K, V]) Shutdown() error {
	tm.mu.RLock()
	stragglers := make([]*Transaction[K, V], 0, len(tm.active))
	for _, txn := range tm.active {
		stragglers = append(stragglers, txn)
	}
	tm.mu.RUnlock()

	for _, txn := range stragglers {
		tm.logger.Warn("rolling back active transaction during shutdown",
			map[string]interface{}{"txnId": txn.id})
		if err := tm.Rollback(txn); err != nil {
			return err
		}
	}

	tm.mu.Lock()
	tm.active = make(map[uint64]*Transaction[K, V])
	tm.mu.Unlock()
	return nil
}
