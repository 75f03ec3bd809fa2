package wepoll

// route feeds completions from ch until it is closed.
func (x *Port) route(ch <-chan Completion, batchSize int) {
	defer close(x.routed)
	for receiveBatch(ch, batchSize, x.FeedCompletion) {
	}
}

// receiveBatch blocks until one value is received from ch, then receives
// whatever else is immediately available, up to maxSize values in total,
// passing each to handler. It returns false once ch is closed.
func receiveBatch[T any](ch <-chan T, maxSize int, handler func(value T)) bool {
	value, ok := <-ch
	if !ok {
		return false
	}
	handler(value)

	for size := 1; size < maxSize; size++ {
		select {
		case value, ok := <-ch:
			if !ok {
				return false
			}
			handler(value)
		default:
			return true
		}
	}

	return true
}

// FeedCompletion passes c to the socket that submitted its request. It must
// be called exactly once per completion when completion routing is disabled,
// see WithCompletionRouting, and must not be called otherwise.
func (x *Port) FeedCompletion(c Completion) {
	if c.Request == nil || c.Request.sock == nil {
		contractViolation(`feed completion`, 0, `completion without a poll request`)
	}
	if c.Request.sock.port != x {
		contractViolation(`feed completion`, c.Request.handle, `completion for another port`)
	}
	c.Request.sock.FeedEvent(c)
}
