// Created by Yanjunhui

package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newTestDiskManager(t *testing.T) *DiskManager {
	t.Helper()
	d, err := OpenDiskManager(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open disk manager: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDiskManagerReadPastEOF(t *testing.T) {
	d := newTestDiskManager(t)

	// 从不存在的页读出全零页
	// EN: Reading a page past EOF yields an all-zero page.
	p, err := d.ReadPage(5)
	if err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if p.Id() != 5 {
		t.Errorf("page id mismatch: got %d", p.Id())
	}
	for _, b := range p.ReadData() {
		if b != 0 {
			t.Fatal("expected all-zero page")
		}
	}
}

func TestDiskManagerWriteRead(t *testing.T) {
	d := newTestDiskManager(t)

	p := NewPage(2)
	payload := []byte("page two payload")
	if err := p.WriteData(payload); err != nil {
		t.Fatalf("WriteData failed: %v", err)
	}
	if err := d.WritePage(p); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}
	if p.IsDirty() {
		t.Error("page should be clean after WritePage")
	}

	// 整页写入，短数据以零填充
	// EN: Whole-page write; short contents are zero-padded.
	size, err := d.FileSize()
	if err != nil {
		t.Fatalf("FileSize failed: %v", err)
	}
	if size != 3*PageSize {
		t.Errorf("file size mismatch: got %d, want %d", size, 3*PageSize)
	}

	got, err := d.ReadPage(2)
	if err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	data := got.ReadData()
	if !bytes.Equal(data[:len(payload)], payload) {
		t.Error("payload mismatch after round-trip")
	}
	for _, b := range data[len(payload):] {
		if b != 0 {
			t.Fatal("expected zero padding after payload")
		}
	}
}

func TestDiskManagerInvalidPageId(t *testing.T) {
	d := newTestDiskManager(t)

	if _, err := d.ReadPage(InvalidPageId); err == nil {
		t.Error("expected error reading INVALID page id")
	}
	if err := d.WritePage(NewPage(InvalidPageId)); err == nil {
		t.Error("expected error writing INVALID page id")
	}
}

func TestDiskManagerAllocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alloc.db")

	d, err := OpenDiskManager(path)
	if err != nil {
		t.Fatalf("Failed to open disk manager: %v", err)
	}

	// 新文件从 0 开始分配
	// EN: A fresh file allocates from 0.
	for want := PageId(0); want < 3; want++ {
		if got := d.AllocatePageId(); got != want {
			t.Errorf("allocation mismatch: got %d, want %d", got, want)
		}
	}

	// 写出第 2 页后重开，计数器从文件大小恢复
	// EN: After writing page 2 and reopening, the counter restarts from
	// floor(file_size / PageSize).
	p := NewPage(2)
	p.MarkDirty()
	if err := d.WritePage(p); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	d2, err := OpenDiskManager(path)
	if err != nil {
		t.Fatalf("Failed to reopen disk manager: %v", err)
	}
	defer d2.Close()

	if got := d2.AllocatePageId(); got != 3 {
		t.Errorf("allocation after reopen: got %d, want 3", got)
	}
}
