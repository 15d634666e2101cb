package k1

import (
	"sync"
)

// expectation is one registry entry. done is non-nil for a one-shot entry
// armed by a sender and is closed exactly once.
type expectation struct {
	resp     Response
	done     chan struct{}
	signaled bool
}

func (e *expectation) signal() {
	if e.done != nil && !e.signaled {
		e.signaled = true
		close(e.done)
	}
}

// Matcher owns the receive buffer and the registry of expected responses.
// Every access to either goes through its lock.
type Matcher struct {
	mu       sync.Mutex
	buf      []byte
	expected []*expectation
}

// NewMatcher returns a matcher watching for the given persistent responses.
func NewMatcher(persistent ...Response) *Matcher {
	m := &Matcher{}
	for _, r := range persistent {
		m.Watch(r)
	}
	return m
}

// Watch registers a response that stays registered until Forget.
func (m *Matcher) Watch(r Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected = append(m.expected, &expectation{resp: r})
}

// expect registers r and arms a completion signal for it.
func (m *Matcher) expect(r Response) *expectation {
	e := &expectation{resp: r, done: make(chan struct{})}
	m.mu.Lock()
	m.expected = append(m.expected, e)
	m.mu.Unlock()
	return e
}

// settle deregisters e if it is still registered and releases its signal.
// It reports whether the response was matched before the call.
func (m *Matcher) settle(e *expectation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := e.signaled
	m.remove(e)
	e.signal()
	return matched
}

// Forget removes every registration of r.
func (m *Matcher) Forget(r Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.expected[:0]
	for _, e := range m.expected {
		if e.resp == r {
			e.signal()
			continue
		}
		kept = append(kept, e)
	}
	m.expected = kept
}

func (m *Matcher) remove(e *expectation) {
	for i, x := range m.expected {
		if x == e {
			m.expected = append(m.expected[:i], m.expected[i+1:]...)
			return
		}
	}
}

// Expected returns the registered responses in registry order.
func (m *Matcher) Expected() []Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Response, len(m.expected))
	for i, e := range m.expected {
		out[i] = e.resp
	}
	return out
}

// Buffered returns a copy of the unconsumed bytes.
func (m *Matcher) Buffered() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.buf)
}

// Reset discards the receive buffer.
func (m *Matcher) Reset() {
	m.mu.Lock()
	m.buf = m.buf[:0]
	m.mu.Unlock()
}

// Receive feeds bytes read from the channel. Complete responses are
// delivered earliest first; a trailing response prefix is kept for the next
// call and anything else is dropped. Notifications of the matched responses
// run after the lock is released, on the caller's goroutine.
func (m *Matcher) Receive(data []byte) {
	notes := m.receive(data)
	for _, fn := range notes {
		fn()
	}
}

func (m *Matcher) receive(data []byte) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf = append(m.buf, data...)
	var notes []func()

	for {
		idx, start, end := m.firstComplete()
		if idx < 0 {
			break
		}
		e := m.expected[idx]
		matched := string(m.buf[start:end])
		log.Debugf("matched %q (noise %q)", matched, m.buf[:start])

		e.resp.SetResponseData(matched)
		m.buf = append(m.buf[:0], m.buf[end:]...)

		if n, ok := e.resp.(Notifier); ok {
			if fn := n.Notification(); fn != nil {
				notes = append(notes, fn)
			}
		}
		if e.resp.OneShot() {
			m.expected = append(m.expected[:idx], m.expected[idx+1:]...)
			e.signal()
		}
	}

	if len(m.buf) == 0 {
		return notes
	}
	if start, ok := m.firstPartial(); ok {
		m.buf = append(m.buf[:0], m.buf[start:]...)
	} else {
		log.Debugf("dropping %q", m.buf)
		m.buf = m.buf[:0]
	}
	return notes
}

// firstComplete finds the registered response whose complete match starts
// earliest in the buffer. Registry order breaks ties.
func (m *Matcher) firstComplete() (idx, start, end int) {
	idx, start = -1, -1
	for i, e := range m.expected {
		s, en, ok := e.resp.Grammar().MatchComplete(m.buf)
		if ok && (start < 0 || s < start) {
			idx, start, end = i, s, en
		}
		if start == 0 {
			break
		}
	}
	return idx, start, end
}

// firstPartial finds the earliest start of a response prefix that runs to
// the end of the buffer.
func (m *Matcher) firstPartial() (int, bool) {
	best := -1
	for _, e := range m.expected {
		s, ok := e.resp.Grammar().MatchPartial(m.buf)
		if ok && (best < 0 || s < best) {
			best = s
		}
		if best == 0 {
			break
		}
	}
	return best, best >= 0
}
