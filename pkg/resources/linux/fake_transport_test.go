package linux

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/netexp/netexp/pkg/engine"
	"github.com/netexp/netexp/pkg/transports/ssh"
)

// fakeTransport is an in-memory ssh.Transport.
type fakeTransport struct {
	mu         sync.Mutex
	files      map[string][]byte
	dirs       map[string]bool
	running    map[int]bool
	nextPID    int
	background []ssh.BackgroundOptions
	commands   []string
	killed     []int
	closed     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files:   make(map[string][]byte),
		dirs:    make(map[string]bool),
		running: make(map[int]bool),
		nextPID: 4000,
	}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed == 0
}

func (f *fakeTransport) HealthCheck(context.Context) error {
	if !f.IsConnected() {
		return errors.New("not connected")
	}
	return nil
}

func (f *fakeTransport) Execute(_ context.Context, cmd string) (ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return ssh.ExecResult{}, nil
}

func (f *fakeTransport) ExecuteWithSudo(ctx context.Context, cmd string, _ string) (ssh.ExecResult, error) {
	return f.Execute(ctx, "sudo "+cmd)
}

func (f *fakeTransport) RunBackground(_ context.Context, cmd string, opts ssh.BackgroundOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	f.background = append(f.background, opts)
	f.nextPID++
	f.running[f.nextPID] = true
	if opts.Stdout != "" {
		f.files[opts.Stdout] = nil
	}
	return f.nextPID, nil
}

func (f *fakeTransport) IsRunning(_ context.Context, pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[pid], nil
}

func (f *fakeTransport) Kill(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	f.running[pid] = false
	return nil
}

// exit marks every process as finished.
func (f *fakeTransport) exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pid := range f.running {
		f.running[pid] = false
	}
}

func (f *fakeTransport) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return f.UploadBytes(ctx, data, remotePath, mode)
}

func (f *fakeTransport) UploadBytes(_ context.Context, data []byte, remotePath string, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[path.Dir(remotePath)] {
		return fs.ErrNotExist
	}
	f.files[remotePath] = append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) writeFile(name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = []byte(content)
}

func (f *fakeTransport) file(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[name]
	return string(data), ok
}

func (f *fakeTransport) ReadFile(_ context.Context, remotePath string, offset, size int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[remotePath]
	if !ok {
		return nil, fs.ErrNotExist
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	end := int64(len(data))
	if size >= 0 && offset+size < end {
		end = offset + size
	}
	return data[offset:end], nil
}

func (f *fakeTransport) Stat(_ context.Context, remotePath string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[remotePath]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return fakeInfo{name: path.Base(remotePath), size: int64(len(data))}, nil
}

func (f *fakeTransport) MkdirAll(_ context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := remotePath; p != "." && p != "/"; p = path.Dir(p) {
		f.dirs[p] = true
	}
	return nil
}

func (f *fakeTransport) RemoveAll(_ context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.dirs {
		if p == remotePath || strings.HasPrefix(p, remotePath+"/") {
			delete(f.dirs, p)
		}
	}
	for p := range f.files {
		if strings.HasPrefix(p, remotePath+"/") {
			delete(f.files, p)
		}
	}
	return nil
}

func (f *fakeTransport) hasDir(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[p]
}

func (f *fakeTransport) ConnectionInfo() ssh.ConnectionInfo { return ssh.ConnectionInfo{} }

type fakeInfo struct {
	name string
	size int64
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return i.size }
func (i fakeInfo) Mode() fs.FileMode  { return 0o644 }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return false }
func (i fakeInfo) Sys() interface{}   { return nil }

// testbed hands out fake transports per session key and can fail dials.
type testbed struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	dials      map[string]int
	failures   map[string][]error
	down       map[string]bool
	hosts      map[string]string
}

func newTestbed() *testbed {
	return &testbed{
		transports: make(map[string]*fakeTransport),
		dials:      make(map[string]int),
		failures:   make(map[string][]error),
		down:       make(map[string]bool),
		hosts: map[string]string{
			"node1.example.org": "10.0.0.1",
			"node2.example.org": "10.0.0.2",
		},
	}
}

// failDial makes the next dials of host fail with errs, in order.
func (tb *testbed) failDial(host string, errs ...error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.failures[host] = append(tb.failures[host], errs...)
}

// setUnreachable makes every dial of host fail with a transient error.
func (tb *testbed) setUnreachable(host string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.down[host] = true
}

func (tb *testbed) dial(_ context.Context, cfg *ssh.Config) (ssh.Transport, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.dials[cfg.Host]++
	if tb.down[cfg.Host] {
		return nil, temporary("connection refused")
	}
	if errs := tb.failures[cfg.Host]; len(errs) > 0 {
		tb.failures[cfg.Host] = errs[1:]
		return nil, errs[0]
	}
	t := newFakeTransport()
	tb.transports[cfg.Key()] = t
	return t, nil
}

func (tb *testbed) resolve(_ context.Context, host string) ([]string, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ip, ok := tb.hosts[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return []string{ip}, nil
}

func (tb *testbed) dialCount(host string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.dials[host]
}

func (tb *testbed) transport(t *testing.T, key string) *fakeTransport {
	t.Helper()
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tr, ok := tb.transports[key]
	if !ok {
		t.Fatalf("no transport was dialed for %s", key)
	}
	return tr
}

func temporary(msg string) error {
	return &ssh.TransportError{Op: "connect", Err: errors.New(msg), Retryable: true}
}

func authFailure() error {
	return &ssh.TransportError{Op: "connect", Err: errors.New("unable to authenticate"), Auth: true}
}

func newTestController(t *testing.T, tb *testbed) *engine.ExperimentController {
	t.Helper()
	reg := engine.NewRegistry()
	err := Register(reg, Options{
		Dial:          tb.dial,
		Resolve:       tb.resolve,
		RetryTimeout:  200 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to register drivers: %v", err)
	}
	ec, err := engine.New(engine.Options{
		Registry:     reg,
		ExpID:        "exp-1",
		RootDir:      t.TempDir(),
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ec.Shutdown(ctx)
	})
	return ec
}

// addNode registers a linux::Node with password login.
func addNode(t *testing.T, ec *engine.ExperimentController, hostname string, attrs ...string) engine.GUID {
	t.Helper()
	guid, err := ec.RegisterResource(NodeType)
	if err != nil {
		t.Fatalf("failed to register node: %v", err)
	}
	set(t, ec, guid, append([]string{"hostname", hostname, "username", "alice", "password", "secret"}, attrs...)...)
	return guid
}

func set(t *testing.T, ec *engine.ExperimentController, guid engine.GUID, kv ...string) {
	t.Helper()
	for i := 0; i+1 < len(kv); i += 2 {
		if err := ec.Set(guid, kv[i], kv[i+1]); err != nil {
			t.Fatalf("failed to set %s: %v", kv[i], err)
		}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
