package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Bridge is how sandboxed code calls back into the owning process. A bridge
// call suspends the running snippet until the callback returns; the
// interpreter is paused, not destroyed.
type Bridge interface {
	// LLMQuery sends one prompt to the language model and returns its text.
	LLMQuery(ctx context.Context, prompt string) (string, error)

	// RLMQuery runs a recursive sub-task with its own context payload.
	RLMQuery(ctx context.Context, task, taskContext string) (string, error)
}

// BridgeBinder is implemented by runtimes whose bridge target can be swapped
// between executions. The daemon binds each pooled worker to the connection
// that currently holds it.
type BridgeBinder interface {
	BindBridge(Bridge)
}

var errNoBridge = errors.New("no bridge configured")

// installBridges exposes llm_query, rlm_query and their batched variants as
// interpreter globals. Returning an error from these functions raises a
// JavaScript exception in the running snippet.
func (it *interp) installBridges() {
	it.vm.Set("llm_query", func(prompt string) (string, error) {
		b := it.currentBridge()
		if b == nil {
			return "", errNoBridge
		}
		return b.LLMQuery(it.execCtx, prompt)
	})

	it.vm.Set("rlm_query", func(task, taskContext string) (string, error) {
		b := it.currentBridge()
		if b == nil {
			return "", errNoBridge
		}
		return b.RLMQuery(it.execCtx, task, taskContext)
	})

	// Batched variants fan out with bounded parallelism. A failing item
	// degrades to an inline error string in its slot; the batch itself never
	// fails, and result order matches input order.
	it.vm.Set("llm_query_batched", func(prompts []string) []string {
		b := it.currentBridge()
		ctx := it.execCtx
		return it.batch(len(prompts), func(i int) (string, error) {
			if b == nil {
				return "", errNoBridge
			}
			return b.LLMQuery(ctx, prompts[i])
		})
	})

	it.vm.Set("rlm_query_batched", func(items []map[string]string) []string {
		b := it.currentBridge()
		ctx := it.execCtx
		return it.batch(len(items), func(i int) (string, error) {
			if b == nil {
				return "", errNoBridge
			}
			return b.RLMQuery(ctx, items[i]["task"], items[i]["ctx"])
		})
	})
}

func (it *interp) batch(n int, call func(i int) (string, error)) []string {
	results := make([]string, n)
	sem := make(chan struct{}, it.cfg.BatchParallelism)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out, err := call(i)
			if err != nil {
				results[i] = fmt.Sprintf("[error: %v]", err)
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()
	return results
}
