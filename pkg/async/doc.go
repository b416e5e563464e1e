// Package async provides panic-safe background execution.
//
// # SafeGo
//
// One-off background work with a timeout:
//
//	async.SafeGo(ctx, 30*time.Second, "archive upload", logger, func(ctx context.Context) error {
//		return upload(ctx)
//	})
//
// Long-lived loops such as file watchers pass a zero timeout and stop with
// their parent context.
//
// # WorkerPool
//
// A fixed set of workers fed by a bounded queue. TrySubmit never blocks; a
// full queue is reported to the caller, which decides whether to drop.
//
//	pool := async.NewWorkerPool(async.PoolConfig{Workers: 4, QueueSize: 256, TaskName: "forward"})
//	defer pool.Shutdown(ctx)
//
//	if err := pool.TrySubmit(task); errors.Is(err, async.ErrQueueFull) {
//		// count the drop
//	}
//
// Panics inside tasks are recovered, logged with their stack and reported
// through PoolConfig.OnError.
package async
