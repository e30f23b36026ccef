package agent

import (
	"context"
	"sync"
	"time"

	"github.com/harun/agentcore/pkg/session"
	"github.com/harun/agentcore/pkg/toolcall"
	"github.com/harun/agentcore/pkg/toolexecutor"
)

// dispatchTurn executes the calls of one turn and returns their results in
// call order. Calls sharing a session key run sequentially in submission
// order; distinct keys, and calls with no key, run concurrently. Rejected
// items are answered by their synthetic result without dispatch. The
// returned error is the first sandbox failure, reported after every call
// has a result.
func (tm *ThreadManager) dispatchTurn(ctx context.Context, items []toolcall.Item, projectID string, timeout time.Duration) ([]session.ToolResult, error) {
	results := make([]session.ToolResult, len(items))
	groups := make(map[string][]int)
	var order []string
	var solo []int

	for i, it := range items {
		if it.Rejected != nil {
			results[i] = *it.Rejected
			continue
		}
		key := tm.cfg.Tools.SessionKey(it.Call.Name, projectID)
		if key == "" {
			solo = append(solo, i)
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fatalErr error
	)
	run := func(i int) {
		res, err := tm.cfg.Tools.Dispatch(ctx, items[i].Call, toolexecutor.DispatchOptions{ProjectID: projectID, Timeout: timeout})
		results[i] = res
		if err != nil {
			mu.Lock()
			if fatalErr == nil {
				fatalErr = err
			}
			mu.Unlock()
		}
	}

	for _, i := range solo {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run(i)
		}(i)
	}
	for _, key := range order {
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()
			for _, i := range idx {
				run(i)
			}
		}(groups[key])
	}
	wg.Wait()

	return results, fatalErr
}
