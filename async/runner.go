// Async provides tools for asynchronous callback processing using goroutines
package async

// A Runner is a helper to spawn goroutines that run async functions
// and to associate callbacks with them. This builds on top of Mailbox
// to simplify the code that needs to be written.
//
// The example below is the recovery sweep pattern: resume every
// interrupted saga in parallel, tally outcomes from the calling
// goroutine, and block until the whole batch has reported back.
//
//	func resumeAll(ids []string) int {
//	  resumed := 0
//
//	  runner := NewRunner()
//
//	  resumeCb := func(err error) {
//	    if err == nil {
//	      resumed++
//	    }
//	  }
//
//	  for _, id := range ids {
//	    sagaID := id
//	    runner.RunAsync(func() error { return resume(sagaID) }, resumeCb)
//	  }
//
//	  for runner.NumRunning() > 0 {
//	    runner.ProcessMessages()
//	  }
//
//	  return resumed
//	}
//
//	// resume drives one saga back to a terminal or steady state.
//	func resume(sagaID string) error { ... }
type Runner struct {
	bx *Mailbox
}

func NewRunner() Runner {
	return Runner{
		bx: NewMailbox(),
	}
}

func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// RunAsync creates a goroutine to run the specified function f.
// The callback, cb, is invoked once f is completed by calling ProcessMessages.
func (r *Runner) RunAsync(f func() error, cb AsyncErrorResponseHandler) {
	asyncErr := r.bx.NewAsyncError(cb)
	go func(rsp *AsyncError) {
		err := f()
		rsp.SetValue(err)
	}(asyncErr)
}

// Invokes all callbacks of completed async functions.
// Callbacks are run synchronously on the calling goroutine.
func (r *Runner) ProcessMessages() {
	r.bx.ProcessMessages()
}
