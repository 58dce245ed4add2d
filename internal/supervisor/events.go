package supervisor

import (
	"time"

	"github.com/loykin/svckeeper/internal/metrics"
)

// DefaultEventBuffer is the channel size used by Subscribe when buffer <= 0.
const DefaultEventBuffer = 32

// Subscribe returns a channel of events and a cancel func that closes it.
// Slow subscribers miss events rather than block the supervisor.
func (s *Supervisor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// AddObserver registers fn to be called synchronously, in order, for every
// event. fn must not call back into Start, Stop or Restart.
func (s *Supervisor) AddObserver(fn func(Event)) {
	if fn == nil {
		return
	}
	s.emitMu.Lock()
	s.observers = append(s.observers, fn)
	s.emitMu.Unlock()
}

// transition moves to phase to and notifies observers. Entering the same
// phase again still emits, so repeated errors are visible.
func (s *Supervisor) transition(to Phase, msg string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	from := s.phase
	s.phase = to
	s.message = msg
	info := s.snapshotLocked()
	s.mu.Unlock()

	if from != to {
		s.log.Debug("phase transition", "from", from.String(), "to", to.String(), "message", msg)
	}
	metrics.RecordPhaseTransition(s.opts.Name, from.String(), to.String())
	s.deliver(Event{Time: time.Now(), Phase: to, Previous: from, Message: msg, Info: info})
}

// emitStatus notifies a status change that does not move the phase.
func (s *Supervisor) emitStatus(msg string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.message = msg
	info := s.snapshotLocked()
	s.mu.Unlock()
	s.deliver(Event{Time: time.Now(), Phase: info.Phase, Previous: info.Phase, Message: msg, Info: info})
}

// deliver must be called with emitMu held.
func (s *Supervisor) deliver(ev Event) {
	for _, fn := range s.observers {
		fn(ev)
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Debug("dropping event for slow subscriber", "phase", ev.Phase.String())
		}
	}
}
