package dispatch

import "sync"

// lockingDispatch implements spec.md §4.3(a): a plain mutex guards bucket
// walks, and a second, finer mutex guards the free list. Lookups take the
// same exclusive lock as writers, since bucket chains are singly linked
// and not safely walked by concurrent writers.
type lockingDispatch struct {
	lookupMu   sync.Mutex
	freelistMu sync.Mutex
}

func newLockingDispatch() *lockingDispatch { return &lockingDispatch{} }

func (d *lockingDispatch) WithLookup(fn func()) error {
	d.lookupMu.Lock()
	defer d.lookupMu.Unlock()
	fn()
	return nil
}

func (d *lockingDispatch) WithFreelist(fn func()) error {
	d.freelistMu.Lock()
	defer d.freelistMu.Unlock()
	fn()
	return nil
}

func (d *lockingDispatch) Close() {}
