package mech

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// flights counts the submissions in progress per sender.
type flights struct {
	mu      sync.Mutex
	senders map[common.Address]*senderFlights
}

type senderFlights struct {
	active int
	starts uint64
}

// ticket marks one submission. It is alone when no other submission from the
// same sender overlapped it.
type ticket struct {
	f      *flights
	sender common.Address
	seq    uint64
	shared bool
}

func newFlights() *flights {
	return &flights{senders: make(map[common.Address]*senderFlights)}
}

func (f *flights) begin(sender common.Address) *ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.senders[sender]
	if !ok {
		s = &senderFlights{}
		f.senders[sender] = s
	}
	s.starts++
	s.active++
	return &ticket{f: f, sender: sender, seq: s.starts, shared: s.active > 1}
}

func (t *ticket) alone() bool {
	if t.shared {
		return false
	}
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	s := t.f.senders[t.sender]
	return s != nil && s.starts == t.seq && s.active == 1
}

func (t *ticket) end() {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	s := t.f.senders[t.sender]
	if s == nil {
		return
	}
	s.active--
	if s.active <= 0 {
		delete(t.f.senders, t.sender)
	}
}
