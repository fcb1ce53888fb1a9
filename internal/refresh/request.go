package refresh

import (
	"sync/atomic"
	"time"

	"pricerefresh/internal/instrument"
)

// Request is the state of one refresh run: the fixed instrument list, the
// status cell of every instrument and the coalesced dirty flag.
type Request struct {
	timestamp         time.Time
	instruments       []instrument.Instrument
	includeHistorical bool
	includeLatest     bool
	// statuses is never modified after NewRequest; only the cells are.
	statuses map[string]*Pair
	dirty    atomic.Bool
}

// NewRequest builds a request with one status pair per instrument. Cells
// start as WAITING; a refresh kind that is not requested starts as SKIPPED.
// Duplicate instrument ids keep their first occurrence.
func NewRequest(instruments []instrument.Instrument, includeHistorical, includeLatest bool) *Request {
	r := &Request{
		timestamp:         time.Now(),
		instruments:       make([]instrument.Instrument, 0, len(instruments)),
		includeHistorical: includeHistorical,
		includeLatest:     includeLatest,
		statuses:          make(map[string]*Pair, len(instruments)),
	}
	for _, in := range instruments {
		if _, dup := r.statuses[in.ID]; dup {
			continue
		}
		p := &Pair{Historical: &Cell{}, Latest: &Cell{}, pos: len(r.instruments)}
		if !includeHistorical {
			p.Historical.set(StateSkipped, "")
		}
		if !includeLatest {
			p.Latest.set(StateSkipped, "")
		}
		r.statuses[in.ID] = p
		r.instruments = append(r.instruments, in)
	}
	return r
}

func (r *Request) Timestamp() time.Time { return r.timestamp }

func (r *Request) Instruments() []instrument.Instrument { return r.instruments }

// Status returns the status pair of an instrument of this request.
func (r *Request) Status(instrumentID string) (*Pair, bool) {
	p, ok := r.statuses[instrumentID]
	return p, ok
}

// Len is the number of instruments, and status pairs, of the request.
func (r *Request) Len() int { return len(r.statuses) }

func (r *Request) markDirty() { r.dirty.Store(true) }

// takeDirty reports and clears the dirty flag.
func (r *Request) takeDirty() bool { return r.dirty.Swap(false) }
