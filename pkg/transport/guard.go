package transport

import "sync/atomic"

// exclusionFlag admits one holder at a time and never blocks.
type exclusionFlag struct {
	busy atomic.Bool
}

func (f *exclusionFlag) tryAcquire() bool {
	return f.busy.CompareAndSwap(false, true)
}

func (f *exclusionFlag) release() {
	f.busy.Store(false)
}

func (f *exclusionFlag) held() bool {
	return f.busy.Load()
}

// acquire takes one direction's flag. A closed session reports
// ErrUseAfterClose even when the flag is free.
func (s *Session) acquire(f *exclusionFlag) error {
	if s.closed.Load() {
		return ErrUseAfterClose
	}
	if !f.tryAcquire() {
		return ErrConcurrentOperation
	}
	if s.closed.Load() {
		s.release(f)
		return ErrUseAfterClose
	}
	return nil
}

func (s *Session) release(f *exclusionFlag) {
	f.release()
	s.maybeTeardown()
}

// acquireBoth takes the read flag then the write flag, rolling the read
// flag back if the write flag is held.
func (s *Session) acquireBoth() error {
	if s.closed.Load() {
		return ErrUseAfterClose
	}
	if !s.readFlag.tryAcquire() {
		return ErrConcurrentOperation
	}
	if !s.writeFlag.tryAcquire() {
		s.release(&s.readFlag)
		return ErrConcurrentOperation
	}
	if s.closed.Load() {
		s.releaseBoth()
		return ErrUseAfterClose
	}
	return nil
}

func (s *Session) releaseBoth() {
	s.writeFlag.release()
	s.readFlag.release()
	s.maybeTeardown()
}

// exclusive runs fn holding both flags. Configuration and connection
// establishment go through here so they never overlap I/O or teardown.
func (s *Session) exclusive(fn func() error) error {
	if err := s.acquireBoth(); err != nil {
		return err
	}
	defer s.releaseBoth()
	return fn()
}
