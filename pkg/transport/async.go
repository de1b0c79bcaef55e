package transport

import "context"

// Op is the pending result of an asynchronous session operation.
type Op[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newOp[T any]() *Op[T] {
	return &Op[T]{done: make(chan struct{})}
}

func (o *Op[T]) complete(v T, err error) {
	o.val, o.err = v, err
	close(o.done)
}

// Done is closed when the operation has finished.
func (o *Op[T]) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation finishes or ctx ends. Abandoning the
// wait does not cancel the operation; Close does.
func (o *Op[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ReadAsync starts a Read in the background. The read flag is taken before
// it returns, so contention is reported immediately. p must not be touched
// until the operation is done.
func (s *Session) ReadAsync(p []byte) (*Op[int], error) {
	if err := s.acquire(&s.readFlag); err != nil {
		return nil, err
	}
	op := newOp[int]()
	go func() {
		n, err := s.read(p)
		s.release(&s.readFlag)
		op.complete(n, err)
	}()
	return op, nil
}

// WriteAsync starts a Write in the background with the same flag
// semantics as ReadAsync.
func (s *Session) WriteAsync(p []byte) (*Op[int], error) {
	if err := s.acquire(&s.writeFlag); err != nil {
		return nil, err
	}
	op := newOp[int]()
	go func() {
		n, err := s.write(p)
		s.release(&s.writeFlag)
		op.complete(n, err)
	}()
	return op, nil
}

// BeginShutdown starts Shutdown in the background. Both flags are taken
// before it returns.
func (s *Session) BeginShutdown(wait bool) (*Op[bool], error) {
	if err := s.acquireBoth(); err != nil {
		return nil, err
	}
	op := newOp[bool]()
	go func() {
		done, err := s.shutdownLocked(wait)
		s.releaseBoth()
		op.complete(done, err)
	}()
	return op, nil
}
