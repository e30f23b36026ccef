package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type fakeProvider struct {
	mu sync.Mutex

	nextID     int
	created    []string
	started    []string
	stopped    []string
	deleted    []string
	commands   []string
	files      map[string][]byte
	createErrs []error
	startErr   error
	execDelay  time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{files: make(map[string][]byte)}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(ctx context.Context, req CreateRequest) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return Instance{}, err
	}
	f.nextID++
	id := fmt.Sprintf("remote-%d", f.nextID)
	f.created = append(f.created, id)
	return Instance{ID: id, WorkDir: WorkspaceRoot}, nil
}

func (f *fakeProvider) Start(ctx context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	if f.startErr != nil {
		return Instance{}, f.startErr
	}
	return Instance{ID: id}, nil
}

func (f *fakeProvider) ExecuteCommand(ctx context.Context, id string, req CommandRequest) (CommandResult, error) {
	if f.execDelay > 0 {
		time.Sleep(f.execDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, id+":"+req.Command)
	return CommandResult{Output: "ok", ExitCode: 0}, nil
}

func (f *fakeProvider) UploadFile(ctx context.Context, id, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id+":"+CleanPath(path)] = content
	return nil
}

func (f *fakeProvider) DownloadFile(ctx context.Context, id, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[id+":"+CleanPath(path)]
	if !ok {
		return nil, fmt.Errorf("read %s: file not found", path)
	}
	return content, nil
}

func (f *fakeProvider) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeProvider) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeProvider) snapshot() (created, started, stopped, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...), append([]string(nil), f.started...),
		append([]string(nil), f.stopped...), append([]string(nil), f.deleted...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
