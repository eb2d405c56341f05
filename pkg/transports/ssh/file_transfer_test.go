package ssh

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestClientFileTransfer(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()
	root := t.TempDir()

	remote := filepath.Join(root, "nested", "dir", "trace.log")
	if err := client.UploadBytes(ctx, []byte("0123456789"), remote, 0640); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	info, err := client.Stat(ctx, remote)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() != 10 {
		t.Errorf("expected size 10, got %d", info.Size())
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("expected mode 0640, got %o", info.Mode().Perm())
	}

	tests := []struct {
		name   string
		offset int64
		size   int64
		want   string
	}{
		{"all", 0, -1, "0123456789"},
		{"block", 2, 3, "234"},
		{"tail", 7, -1, "789"},
		{"past end", 8, 10, "89"},
		{"empty block", 4, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := client.ReadFile(ctx, remote, tt.offset, tt.size)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("expected %q, got %q", tt.want, data)
			}
		})
	}

	if _, err := client.ReadFile(ctx, filepath.Join(root, "missing"), 0, -1); err == nil {
		t.Error("expected error reading a missing file")
	}
}

func TestClientUploadFileKeepsMode(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "run.sh")
	if err := os.WriteFile(local, []byte("#!/bin/sh\necho hi\n"), 0755); err != nil {
		t.Fatalf("failed to write local file: %v", err)
	}
	remote := filepath.Join(t.TempDir(), "bin", "run.sh")
	if err := client.UploadFile(ctx, local, remote, 0); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("remote file missing: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("expected mode 0755, got %o", info.Mode().Perm())
	}

	if err := client.UploadFile(ctx, filepath.Join(t.TempDir(), "nope"), remote, 0); err == nil {
		t.Error("expected error for a missing local file")
	}
}

func TestClientDirectories(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "exp", "node1")
	if err := client.MkdirAll(ctx, dir); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := client.UploadBytes(ctx, []byte("x"), filepath.Join(dir, "f"), 0); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected directory, got %v", err)
	}

	if err := client.RemoveAll(ctx, dir); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected directory to be gone, got %v", err)
	}
	if err := client.RemoveAll(ctx, dir); err != nil {
		t.Errorf("removing a missing path should succeed, got %v", err)
	}
}
