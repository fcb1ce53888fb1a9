package refresh

import (
	"time"

	"github.com/google/uuid"
)

// Run identifies one orchestration run.
type Run struct {
	ID          uuid.UUID
	PortfolioID string
	StartedAt   time.Time
}

// Entry is the status of one instrument in a Snapshot.
type Entry struct {
	InstrumentID string    `json:"instrument_id"`
	Symbol       string    `json:"symbol"`
	Historical   CellValue `json:"historical"`
	Latest       CellValue `json:"latest"`
}

// Snapshot is an immutable point-in-time view of a request. Cell values are
// copied when the snapshot is taken so counts and entries always agree.
type Snapshot struct {
	RunID              uuid.UUID `json:"run_id"`
	PortfolioID        string    `json:"portfolio_id"`
	Timestamp          time.Time `json:"timestamp"`
	TaskCount          int       `json:"task_count"`
	CompletedTaskCount int       `json:"completed_task_count"`
	Final              bool      `json:"final"`
	Entries            []Entry   `json:"entries"`

	statuses map[string]*Pair
}

// Snapshot reads every cell of the request once.
func (r *Request) Snapshot(run Run) Snapshot {
	s := Snapshot{
		RunID:       run.ID,
		PortfolioID: run.PortfolioID,
		Timestamp:   time.Now(),
		Entries:     make([]Entry, len(r.instruments)),
		statuses:    r.statuses,
	}
	for i, in := range r.instruments {
		p := r.statuses[in.ID]
		e := Entry{InstrumentID: in.ID, Symbol: in.Symbol, Historical: p.Historical.Get(), Latest: p.Latest.Get()}
		s.count(e.Historical.State)
		s.count(e.Latest.State)
		s.Entries[i] = e
	}
	return s
}

func (s *Snapshot) count(st State) {
	if st == StateSkipped {
		return
	}
	s.TaskCount++
	if st.Terminal() {
		s.CompletedTaskCount++
	}
}

// Status returns the entry of an instrument.
func (s Snapshot) Status(instrumentID string) (Entry, bool) {
	p, ok := s.statuses[instrumentID]
	if !ok || p.pos >= len(s.Entries) {
		return Entry{}, false
	}
	return s.Entries[p.pos], true
}

// Done reports whether every task of the snapshot reached a terminal state.
func (s Snapshot) Done() bool { return s.CompletedTaskCount == s.TaskCount }
