// Package cleanup runs the periodic sweep that purges expired authorization
// codes and tokens from a storage.Storage.
//
// A Service owns one background goroutine between Start and Stop. Every run
// is isolated: it gets its own timeout, panics are recovered, and a failed
// run never prevents the next one.
//
//	svc := cleanup.New(store, time.Hour, logger)
//	svc.Start(ctx)
//	defer svc.Stop()
package cleanup
