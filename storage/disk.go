// Created by Yanjunhui

package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/monolite/localkv/internal/failpoint"
)

// DiskManager 负责页面级磁盘 I/O
// EN: DiskManager performs page-granular disk I/O on a single data file.
// 读取使用共享锁，写入、分配和关闭使用排他锁
// EN: Reads take the shared lock; writes, allocation and close take the
// exclusive lock, so page-id allocation is serialized.
type DiskManager struct {
	path       string
	file       *os.File
	mu         sync.RWMutex
	nextPageId PageId
}

// OpenDiskManager 打开或创建数据文件
// EN: OpenDiskManager opens or creates the data file.
// 页号分配计数器从文件大小推导：floor(size / PageSize)
// EN: The allocation counter is initialized to floor(size / PageSize).
func OpenDiskManager(path string) (*DiskManager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}

	return &DiskManager{
		path:       path,
		file:       file,
		nextPageId: PageId(fi.Size() / PageSize),
	}, nil
}

// ReadPage 读取指定页面
// EN: ReadPage reads the page at offset id*PageSize.
// 读到文件末尾之外（短读）时返回全零页
// EN: A short read past EOF yields an all-zero page with that id.
func (d *DiskManager) ReadPage(id PageId) (*Page, error) {
	if !id.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageId, id)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	buf := make([]byte, PageSize)
	n, err := d.file.ReadAt(buf, id.Offset())
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read page %d: %w", id, err)
	}
	if n == 0 {
		// 页面尚不存在于磁盘
		// EN: Page does not exist on disk yet.
		return NewPage(id), nil
	}

	return NewPageWithData(id, buf[:n])
}

// WritePage 将整页写入磁盘并刷盘
// EN: WritePage writes the full page at its offset and fsyncs the data.
// 内存数据不足一页时以零填充
// EN: In-memory contents shorter than PageSize are zero-padded.
func (d *DiskManager) WritePage(p *Page) error {
	id := p.Id()
	if !id.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPageId, id)
	}

	// 【FAILPOINT】用于测试页写失败场景
	// EN: [FAILPOINT] used to test page-write failure paths.
	if err := failpoint.Hit("disk.writePage"); err != nil {
		return fmt.Errorf("failpoint: disk.writePage: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, PageSize)
	copy(buf, p.ReadData())

	n, err := d.file.WriteAt(buf, id.Offset())
	if err != nil {
		return fmt.Errorf("failed to write page %d: %w", id, err)
	}
	if n != PageSize {
		return fmt.Errorf("short write for page %d: %d of %d bytes", id, n, PageSize)
	}

	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync page %d: %w", id, err)
	}

	p.MarkClean()
	return nil
}

// AllocatePageId 分配下一个页号
// EN: AllocatePageId returns the next page id and advances the counter.
func (d *DiskManager) AllocatePageId() PageId {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextPageId
	d.nextPageId++
	return id
}

// FileSize 返回数据文件当前大小
// EN: FileSize returns the current data file size in bytes.
func (d *DiskManager) FileSize() (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fi, err := d.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat data file: %w", err)
	}
	return fi.Size(), nil
}

// Sync 将数据与文件元信息一并刷盘
// EN: Sync fsyncs data and file metadata.
func (d *DiskManager) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.file.Sync()
}

// Path 返回数据文件路径
// EN: Path returns the data file path.
func (d *DiskManager) Path() string {
	return d.path
}

// Close 关闭数据文件
// EN: Close releases the file handle.
func (d *DiskManager) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
