// Package batch provides parallel fetching of independent CATMAID requests.
//
// CATMAID analyses often need the same endpoint for hundreds of skeletons.
// This package runs those requests through a worker pool on top of a single
// client, so the client's rate limiter, retries and response cache apply to
// every request.
//
// Example usage:
//
//	reqs := make([]client.Request, len(skeletonIDs))
//	for i, id := range skeletonIDs {
//		reqs[i] = client.Request{Endpoint: fmt.Sprintf("/1/skeletons/%d/compact-detail", id)}
//	}
//	fetcher := batch.NewFetcher(c, batch.DefaultConfig())
//	bodies, err := fetcher.FetchAll(ctx, reqs)
//
// The batch fetcher:
//   - Spawns a worker pool (default 5 workers)
//   - Returns bodies in request order
//   - Stops at the first failure and returns partial data
package batch
