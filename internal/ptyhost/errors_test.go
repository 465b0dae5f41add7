package ptyhost

import (
	"fmt"
	"os"
	"syscall"
	"testing"
)

func TestClassifySpawnError_Nil(t *testing.T) {
	if got := ClassifySpawnError(nil, ""); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestClassifySpawnError_ENOENT_MissingDir(t *testing.T) {
	_, err := os.Stat("/no/such/directory/at/all")
	if err == nil {
		t.Fatal("expected stat of missing dir to fail")
	}
	se := ClassifySpawnError(err, "/no/such/directory/at/all")
	if se.Code != ErrENOENT {
		t.Fatalf("code = %s, want ENOENT", se.Code)
	}
	if se.Path != "/no/such/directory/at/all" {
		t.Fatalf("path = %q", se.Path)
	}
}

func TestClassifySpawnError_EACCES(t *testing.T) {
	err := &os.PathError{Op: "open", Path: "/root/secret", Err: syscall.EACCES}
	se := ClassifySpawnError(err, "/root/secret")
	if se.Code != ErrEACCES {
		t.Fatalf("code = %s, want EACCES", se.Code)
	}
	if se.Syscall != "open" {
		t.Fatalf("syscall = %q, want open", se.Syscall)
	}
}

func TestClassifySpawnError_ENOTDIR(t *testing.T) {
	err := &os.PathError{Op: "chdir", Path: "/etc/hosts/sub", Err: syscall.ENOTDIR}
	se := ClassifySpawnError(err, "/etc/hosts/sub")
	if se.Code != ErrENOTDIR {
		t.Fatalf("code = %s, want ENOTDIR", se.Code)
	}
}

func TestClassifySpawnError_EIO(t *testing.T) {
	err := &os.PathError{Op: "read", Path: "/dev/whatever", Err: syscall.EIO}
	se := ClassifySpawnError(err, "/dev/whatever")
	if se.Code != ErrEIO {
		t.Fatalf("code = %s, want EIO", se.Code)
	}
}

func TestClassifySpawnError_Unknown(t *testing.T) {
	se := ClassifySpawnError(fmt.Errorf("something bizarre happened"), "")
	if se.Code != ErrUNKNOWN {
		t.Fatalf("code = %s, want UNKNOWN", se.Code)
	}
	if se.Message == "" {
		t.Fatal("expected stringified message for unknown error")
	}
}
