// Created by Yanjunhui

package storage

import (
	"bytes"
	"testing"
)

func TestPageIdValidity(t *testing.T) {
	if InvalidPageId.IsValid() {
		t.Error("InvalidPageId should not be valid")
	}
	if !MetadataPageId.IsValid() {
		t.Error("MetadataPageId should be valid")
	}
	if !PageId(42).IsValid() {
		t.Error("PageId(42) should be valid")
	}
	if PageId(3).Offset() != 3*PageSize {
		t.Errorf("Offset mismatch: got %d", PageId(3).Offset())
	}
}

func TestPageReadWrite(t *testing.T) {
	p := NewPage(7)
	if p.Id() != 7 {
		t.Fatalf("Id mismatch: got %d", p.Id())
	}
	if p.IsDirty() {
		t.Error("new page should be clean")
	}

	data := []byte("hello page")
	if err := p.WriteData(data); err != nil {
		t.Fatalf("WriteData failed: %v", err)
	}
	if !p.IsDirty() {
		t.Error("page should be dirty after write")
	}
	if !bytes.Equal(p.ReadData(), data) {
		t.Error("ReadData mismatch")
	}

	// ReadData 必须返回副本
	// EN: ReadData must return a copy.
	out := p.ReadData()
	out[0] = 'X'
	if !bytes.Equal(p.ReadData(), data) {
		t.Error("ReadData should not expose internal buffer")
	}

	p.MarkClean()
	if p.IsDirty() {
		t.Error("page should be clean after MarkClean")
	}
}

func TestPageWriteTooLarge(t *testing.T) {
	p := NewPage(1)
	if err := p.WriteData(make([]byte, PageSize+1)); err == nil {
		t.Error("expected error writing more than PageSize bytes")
	}
	if _, err := NewPageWithData(2, make([]byte, PageSize+1)); err == nil {
		t.Error("expected error creating page with oversized data")
	}
}

func TestPagePinUnpin(t *testing.T) {
	p := NewPage(1)
	if p.IsPinned() {
		t.Error("new page should not be pinned")
	}

	if n := p.Pin(); n != 1 {
		t.Errorf("pin count after first pin: got %d, want 1", n)
	}
	if n := p.Pin(); n != 2 {
		t.Errorf("pin count after second pin: got %d, want 2", n)
	}

	n, err := p.Unpin()
	if err != nil || n != 1 {
		t.Errorf("unpin: got (%d, %v), want (1, nil)", n, err)
	}
	n, err = p.Unpin()
	if err != nil || n != 0 {
		t.Errorf("unpin: got (%d, %v), want (0, nil)", n, err)
	}

	// pin 计数为 0 时再 unpin 是调用方错误
	// EN: Unpinning at pin count 0 is a caller bug.
	if _, err := p.Unpin(); err == nil {
		t.Error("expected error unpinning page with pin count 0")
	}
}
