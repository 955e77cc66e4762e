package core

import (
	"context"
	"sync"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// AsyncClient provides asynchronous tiermem operations.
//
// It wraps the synchronous Client and executes operations in separate
// goroutines, which suits callers that fire maintenance sweeps or retrievals
// without blocking a request path.
//
// All async methods return channels that receive exactly one result and are
// then closed. The client tracks every goroutine and Wait blocks until all
// of them finish.
//
// Example:
//
//	asyncClient, _ := core.NewAsyncClient(config)
//	defer asyncClient.Close()
//
//	resultChan := asyncClient.RetrieveAsync(ctx, query, types.DefaultRetrievalOptions())
//	result := <-resultChan
//	if result.Error != nil {
//	    log.Fatal(result.Error)
//	}
type AsyncClient struct {
	*Client
	wg sync.WaitGroup
}

// NewAsyncClient creates a new asynchronous tiermem client.
//
// Parameters:
//   - cfg: tiermem configuration
//   - opts: Optional collaborators and overrides
//
// Returns:
//   - *AsyncClient: The asynchronous client instance
//   - error: Error if configuration is invalid or initialization fails
func NewAsyncClient(cfg *Config, opts ...ClientOption) (*AsyncClient, error) {
	client, err := NewClient(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return WrapAsync(client), nil
}

// WrapAsync returns an AsyncClient sharing an existing client.
func WrapAsync(client *Client) *AsyncClient {
	return &AsyncClient{Client: client}
}

// run executes fn in a tracked goroutine and delivers its result on a
// buffered channel, so an abandoned receiver never blocks the goroutine.
func run[T any](ac *AsyncClient, fn func() T) <-chan T {
	resultChan := make(chan T, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		resultChan <- fn()
		close(resultChan)
	}()

	return resultChan
}

// CreateAsync creates a memory asynchronously.
func (ac *AsyncClient) CreateAsync(ctx context.Context, in *types.CreateMemoryInput) <-chan *MemoryResult {
	return run(ac, func() *MemoryResult {
		m, err := ac.Create(ctx, in)
		return &MemoryResult{Memory: m, Error: err}
	})
}

// IngestAsync ingests text asynchronously.
func (ac *AsyncClient) IngestAsync(ctx context.Context, text string, opts ...IngestOption) <-chan *IngestOutcome {
	return run(ac, func() *IngestOutcome {
		res, err := ac.Ingest(ctx, text, opts...)
		return &IngestOutcome{Result: res, Error: err}
	})
}

// RetrieveAsync answers a query asynchronously.
//
// Parameters:
//   - ctx: Context for controlling request lifecycle
//   - q: Query text and scope
//   - opts: Retrieval options
//
// Returns:
//   - <-chan *RetrieveResult: Channel that receives the ranked result and error
func (ac *AsyncClient) RetrieveAsync(ctx context.Context, q types.MemoryRetrievalQuery, opts types.MemoryRetrievalOptions) <-chan *RetrieveResult {
	return run(ac, func() *RetrieveResult {
		res, err := ac.Retrieve(ctx, q, opts)
		return &RetrieveResult{Result: res, Error: err}
	})
}

// ConsolidateAsync runs a consolidation sweep asynchronously.
//
// Parameters:
//   - ctx: Context for controlling the sweep; cancelling it yields a partial result
//   - opts: Consolidation options
//
// Returns:
//   - <-chan *ConsolidateResult: Channel that receives the sweep result and error
func (ac *AsyncClient) ConsolidateAsync(ctx context.Context, opts types.ConsolidationOptions) <-chan *ConsolidateResult {
	return run(ac, func() *ConsolidateResult {
		res, err := ac.Consolidate(ctx, opts)
		return &ConsolidateResult{Result: res, Error: err}
	})
}

// ForgetAsync runs a forgetting pass asynchronously.
func (ac *AsyncClient) ForgetAsync(ctx context.Context, criteria types.ForgetCriteria) <-chan *ForgetOutcome {
	return run(ac, func() *ForgetOutcome {
		res, err := ac.Forget(ctx, criteria)
		return &ForgetOutcome{Result: res, Error: err}
	})
}

// CleanupExpiredAsync removes expired memories asynchronously. The channel
// receives the error, or nil on success.
func (ac *AsyncClient) CleanupExpiredAsync(ctx context.Context) <-chan error {
	return run(ac, func() error {
		_, err := ac.CleanupExpired(ctx)
		return err
	})
}

// Wait waits for all asynchronous operations to complete.
func (ac *AsyncClient) Wait() {
	ac.wg.Wait()
}

// Close waits for pending operations and closes the underlying client.
func (ac *AsyncClient) Close() error {
	ac.Wait()
	return ac.Client.Close()
}
