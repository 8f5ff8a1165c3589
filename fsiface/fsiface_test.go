package fsiface

import (
	"testing"

	"corekernel/defs"
)

func TestOpenWriteReadRoundTrip(t *testing.T) {
	fs := New(8)
	wfd, kerr := fs.Open("/greeting", PermWrite)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("Open write: %v", kerr)
	}
	if _, kerr := fs.Write(wfd, []byte("hello")); kerr.Kind != defs.KindOK {
		t.Fatalf("Write: %v", kerr)
	}
	if kerr := fs.Close(wfd); kerr.Kind != defs.KindOK {
		t.Fatalf("Close: %v", kerr)
	}

	rfd, kerr := fs.Open("/greeting", PermRead)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("Open read: %v", kerr)
	}
	buf := make([]byte, 16)
	n, kerr := fs.Read(rfd, buf)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("Read: %v", kerr)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q want hello", buf[:n])
	}
}

func TestWriteWithoutPermissionFails(t *testing.T) {
	fs := New(8)
	fd, _ := fs.Open("/f", PermWrite)
	fs.Close(fd)
	rfd, _ := fs.Open("/f", PermRead)
	if _, kerr := fs.Write(rfd, []byte("x")); kerr.Kind != defs.KindPermissionError {
		t.Fatalf("expected PermissionError, got %v", kerr)
	}
}

func TestOpenFileLimit(t *testing.T) {
	fs := New(2)
	if _, kerr := fs.Open("/a", PermWrite); kerr.Kind != defs.KindOK {
		t.Fatalf("open a: %v", kerr)
	}
	if _, kerr := fs.Open("/b", PermWrite); kerr.Kind != defs.KindOK {
		t.Fatalf("open b: %v", kerr)
	}
	if _, kerr := fs.Open("/c", PermWrite); kerr.Kind != defs.KindOpenFileLimit {
		t.Fatalf("expected OpenFileLimit, got %v", kerr)
	}
}

func TestCloseUnknownFdFails(t *testing.T) {
	fs := New(4)
	if kerr := fs.Close(99); kerr.Kind != defs.KindInvalidFile {
		t.Fatalf("expected InvalidFile, got %v", kerr)
	}
}

func TestCopyfdSharesUnderlyingFile(t *testing.T) {
	fs := New(8)
	wfd, _ := fs.Open("/dup", PermWrite|PermRead)
	dupfd, kerr := fs.Copyfd(wfd)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("Copyfd: %v", kerr)
	}
	if _, kerr := fs.Write(wfd, []byte("abc")); kerr.Kind != defs.KindOK {
		t.Fatalf("Write via original: %v", kerr)
	}
	if fs.OpenCount() != 2 {
		t.Fatalf("expected 2 open fds, got %d", fs.OpenCount())
	}
	_ = dupfd
}

func TestReadAtWriteAt(t *testing.T) {
	fs := New(8)
	fd, _ := fs.Open("/rw", PermRead|PermWrite)
	if _, kerr := fs.WriteAt(fd, []byte("world"), 5); kerr.Kind != defs.KindOK {
		t.Fatalf("WriteAt: %v", kerr)
	}
	buf := make([]byte, 5)
	n, kerr := fs.ReadAt(fd, buf, 5)
	if kerr.Kind != defs.KindOK {
		t.Fatalf("ReadAt: %v", kerr)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("got %q want world", buf[:n])
	}
}

func TestStatMkdirRename(t *testing.T) {
	fs := New(8)
	if kerr := fs.Mkdir("/dir"); kerr.Kind != defs.KindOK {
		t.Fatalf("Mkdir: %v", kerr)
	}
	fd, _ := fs.Open("/dir/file", PermWrite)
	fs.Write(fd, []byte("abcd"))
	fs.Close(fd)

	info, kerr := fs.Stat("/dir/file")
	if kerr.Kind != defs.KindOK || info.Size != 4 || info.IsDir {
		t.Fatalf("unexpected stat: %+v kerr=%v", info, kerr)
	}
	if kerr := fs.Rename("/dir/file", "/dir/file2"); kerr.Kind != defs.KindOK {
		t.Fatalf("Rename: %v", kerr)
	}
	if _, kerr := fs.Stat("/dir/file2"); kerr.Kind != defs.KindOK {
		t.Fatalf("Stat after rename: %v", kerr)
	}
}

func TestDelete(t *testing.T) {
	fs := New(8)
	fd, _ := fs.Open("/gone", PermWrite)
	fs.Close(fd)
	if kerr := fs.Delete("/gone"); kerr.Kind != defs.KindOK {
		t.Fatalf("Delete: %v", kerr)
	}
	if _, kerr := fs.Stat("/gone"); kerr.Kind != defs.KindInvalidFile {
		t.Fatalf("expected InvalidFile after delete, got %v", kerr)
	}
}

func TestOpenCountReflectsCloses(t *testing.T) {
	fs := New(8)
	fd, _ := fs.Open("/g", PermWrite)
	if fs.OpenCount() != 1 {
		t.Fatalf("expected 1 open fd, got %d", fs.OpenCount())
	}
	fs.Close(fd)
	if fs.OpenCount() != 0 {
		t.Fatalf("expected 0 open fds after close, got %d", fs.OpenCount())
	}
}
