package ioutil

import "sync/atomic"

// AtomicBool is a boolean flag safe for concurrent use.
type AtomicBool struct {
	flag int32
}

func boolToInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

// Set stores v and reports whether the value changed.
func (b *AtomicBool) Set(v bool) bool {
	n := boolToInt32(v)
	return n != atomic.SwapInt32(&b.flag, n)
}

// Flip changes the value from old to !old. It reports false when the value
// was not old, so exactly one of several racing callers wins.
func (b *AtomicBool) Flip(old bool) bool {
	o := boolToInt32(old)
	return atomic.CompareAndSwapInt32(&b.flag, o, 1-o)
}

// Get obtains the current value.
func (b *AtomicBool) Get() bool {
	return atomic.LoadInt32(&b.flag) == 1
}
