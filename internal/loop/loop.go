// Package loop provides the per-connection single-threaded task queue that
// serves as a connection's event loop: all handlers for one downstream
// connection — data arrival, connection events, upstream events, pool
// callbacks, deferred deletes — run through it,
// strictly serialized. Different connections get different Loops and may
// run on different goroutines in parallel; nothing is shared across Loops.
package loop

// Loop is a single-consumer task queue. Posting from any goroutine is safe;
// only the goroutine calling Run ever executes tasks, which is what gives
// callers the "never delete synchronously inside your own handler" and
// "only suspension points are returns from handlers" guarantees.
type Loop struct {
	tasks chan func()
}

// New returns a Loop with reasonable buffering for one connection's worth of
// in-flight pool callbacks and upstream reads.
func New() *Loop {
	return &Loop{tasks: make(chan func(), 256)}
}

// Post enqueues fn to run on the Loop's goroutine. It never runs fn
// synchronously, even when called from that same goroutine — this is what
// makes deferred deletion actually deferred to "the next tick" rather than
// immediate.
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// Tasks exposes the channel for a caller that runs its own select loop
// instead of Run.
func (l *Loop) Tasks() <-chan func() {
	return l.tasks
}

// Run drains tasks until stop is closed. conn.Manager.Serve runs each
// connection's Loop this way.
func (l *Loop) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}
