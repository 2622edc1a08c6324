package dispatch

// delegationDispatch implements spec.md §4.3(b): the partition is bound to
// exactly one owner goroutine. Any caller that wants to run a section
// posts a closure to the owner's task queue and blocks on a future (here,
// a buffered done channel) for it to run to completion. No locks guard the
// partition's own state — only the owner goroutine ever touches it.
//
// This gives the best cache locality (one goroutine, one partition, no
// cross-core cache-line bouncing) at the cost of every caller serialising
// behind a single channel send/receive, the trade-off spec.md §4.3 calls
// out explicitly.
type delegationDispatch struct {
	tasks chan task
	done  chan struct{}
}

type task struct {
	fn   func()
	sync chan struct{}
}

func newDelegationDispatch() *delegationDispatch {
	d := &delegationDispatch{
		tasks: make(chan task, 64),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *delegationDispatch) run() {
	for {
		select {
		case t, ok := <-d.tasks:
			if !ok {
				return
			}
			t.fn()
			close(t.sync)
		case <-d.done:
			// Drain any already-queued tasks before exiting so callers
			// blocked on sync never hang.
			for {
				select {
				case t := <-d.tasks:
					t.fn()
					close(t.sync)
				default:
					return
				}
			}
		}
	}
}

func (d *delegationDispatch) post(fn func()) {
	sync := make(chan struct{})
	d.tasks <- task{fn: fn, sync: sync}
	<-sync
}

// WithLookup and WithFreelist both delegate to the single owner goroutine;
// spec.md §4.3(b) draws no distinction between the two sections under
// delegation since there is never more than one active thread for the
// partition regardless.
func (d *delegationDispatch) WithLookup(fn func()) error {
	d.post(fn)
	return nil
}

func (d *delegationDispatch) WithFreelist(fn func()) error {
	d.post(fn)
	return nil
}

func (d *delegationDispatch) Close() {
	close(d.done)
}
