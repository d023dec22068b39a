package burst

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ForEach calls fn for every node with at most limit calls in flight, and
// returns the errors of all failed calls joined. A limit of zero or less runs
// every call at once. Calls not yet started when ctx ends are skipped.
func ForEach(ctx context.Context, nodes []*Node, limit int, fn func(ctx context.Context, n *Node) error) error {
	if limit <= 0 || limit > len(nodes) {
		limit = len(nodes)
	}
	sem := make(chan struct{}, limit)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, n := range nodes {
		if ctx.Err() != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", n, ctx.Err()))
			mu.Unlock()
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", n, ctx.Err()))
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, n); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", n, err))
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ChunkInputs splits inputs into chunks of at most chunkSize.
func ChunkInputs(inputs []string, chunkSize int) [][]string {
	if chunkSize <= 0 {
		return [][]string{inputs}
	}
	var chunks [][]string
	for i := 0; i < len(inputs); i += chunkSize {
		end := i + chunkSize
		if end > len(inputs) {
			end = len(inputs)
		}
		chunks = append(chunks, inputs[i:end])
	}
	return chunks
}

// SplitInputs splits inputs into n shares whose sizes differ by at most one,
// one per node of an n-node group. Shares may be empty when there are fewer
// inputs than nodes.
func SplitInputs(inputs []string, n int) [][]string {
	if n <= 0 {
		return [][]string{inputs}
	}
	shares := make([][]string, n)
	size, rem := len(inputs)/n, len(inputs)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		shares[i] = inputs[start:end]
		start = end
	}
	return shares
}
