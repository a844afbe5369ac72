package async

// A Mailbox stores AsyncErrors and their associated callbacks
// and invokes the callbacks once the AsyncError is completed.
//
// Often we spawn goroutines from an event loop to do some concurrent
// work. Goroutines provide no way to return a response, however we may
// want to be notified whether the work completed successfully or
// unsuccessfully and then take some action based on that result.
// Mailbox provides a construct to do this.
//
// The example below resumes a batch of interrupted sagas in parallel
// and reports how many came back cleanly. Each resume runs in its own
// goroutine. The callbacks that tally the outcome all run on the
// calling goroutine, so the counters need no locking.
//
//  func resumeAll(ids []string) int {
//    resumed := 0
//    returned := 0
//    mailbox := NewMailbox()
//
//    resumeCallback := func(err error) {
//      if err == nil {
//        resumed++
//      }
//      returned++
//    }
//
//    for _, id := range ids {
//      go func(rsp *AsyncError, sagaID string) {
//        rsp.SetValue(resume(sagaID))
//      }(mailbox.NewAsyncError(resumeCallback), id)
//    }
//
//    for returned < len(ids) {
//      mailbox.ProcessMessages()
//    }
//    return resumed
//  }
//
//  // resume drives one saga back to a terminal or steady state.
//  func resume(sagaID string) error { ... }
//
// A Mailbox is not a concurrent structure and should only
// ever be accessed from a single goroutine. This ensures that the
// callbacks are always executed within the same context and only one
// at a time.
// This structure is not thread-safe.
type Mailbox struct {
	msgs []message
}

// The function type of the callback invoked when an AsyncError is completed.
type AsyncErrorResponseHandler func(error)

// async message is a struct composed of an AsyncError
// and its associated callback
type message struct {
	Err      *AsyncError
	callback AsyncErrorResponseHandler
}

func newMessage(cb AsyncErrorResponseHandler) message {
	return message{
		Err:      newAsyncError(),
		callback: cb,
	}
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		msgs: make([]message, 0),
	}
}

func (bx *Mailbox) Count() int {
	return len(bx.msgs)
}

// Creates a new AsyncError and associates the supplied callback with it.
// Once the AsyncError has been completed, SetValue called, the callback
// will be invoked on the next execution of ProcessMessages.
func (bx *Mailbox) NewAsyncError(cb AsyncErrorResponseHandler) *AsyncError {
	msg := newMessage(cb)
	bx.msgs = append(bx.msgs, msg)
	return msg.Err
}

// Processes the mailbox. For all messages with completed AsyncErrors
// invokes the callback function and removes the message from the mailbox.
func (bx *Mailbox) ProcessMessages() {
	var unCompletedMsgs []message
	for _, msg := range bx.msgs {
		ok, err := msg.Err.TryGetValue()

		// if an AsyncErr's value has been set, invoke the callback
		if ok {
			msg.callback(err)
		} else {
			unCompletedMsgs = append(unCompletedMsgs, msg)
		}
	}

	// reset inProgress messages to unCompletedMsgs only
	bx.msgs = unCompletedMsgs
}
