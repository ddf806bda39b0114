package session

// Priority is the request priority band of spec.md §4.4: connection
// requests are high, auth is medium, everything else is low.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// queuedRequest is one entry in the event queue: a not-yet-sent request
// plus the bookkeeping the session manager needs once it is sent.
type queuedRequest struct {
	entry *pendingEntry
}

// eventQueue holds not-yet-flushed requests, kept in three priority bands
// so that "inserted in front of all lower-or-equal-priority requests
// (stable)" (spec.md §4.4) is just a front-insertion into the request's
// own band: concatenating the bands in order always yields the queue in
// the priority order the spec requires.
type eventQueue struct {
	high, medium, low []*queuedRequest
}

func (q *eventQueue) bandFor(p Priority) *[]*queuedRequest {
	switch p {
	case PriorityHigh:
		return &q.high
	case PriorityMedium:
		return &q.medium
	default:
		return &q.low
	}
}

// push appends qr to the back of its priority band, or to the front if
// prioritize is set.
func (q *eventQueue) push(qr *queuedRequest, prioritize bool) {
	band := q.bandFor(qr.entry.priority)
	if prioritize {
		*band = append([]*queuedRequest{qr}, *band...)
	} else {
		*band = append(*band, qr)
	}
}

// drain returns every queued request in priority order and empties the
// queue.
func (q *eventQueue) drain() []*queuedRequest {
	out := make([]*queuedRequest, 0, len(q.high)+len(q.medium)+len(q.low))
	out = append(out, q.high...)
	out = append(out, q.medium...)
	out = append(out, q.low...)
	q.high, q.medium, q.low = nil, nil, nil
	return out
}

func (q *eventQueue) len() int {
	return len(q.high) + len(q.medium) + len(q.low)
}

// forEach visits every queued entry without modifying the queue.
func (q *eventQueue) forEach(fn func(*pendingEntry)) {
	for _, qr := range q.high {
		fn(qr.entry)
	}
	for _, qr := range q.medium {
		fn(qr.entry)
	}
	for _, qr := range q.low {
		fn(qr.entry)
	}
}

// filter keeps only entries for which keep returns true, across every
// band, preserving relative order within each band.
func (q *eventQueue) filter(keep func(*pendingEntry) bool) {
	q.high = filterBand(q.high, keep)
	q.medium = filterBand(q.medium, keep)
	q.low = filterBand(q.low, keep)
}

func filterBand(band []*queuedRequest, keep func(*pendingEntry) bool) []*queuedRequest {
	out := band[:0]
	for _, qr := range band {
		if keep(qr.entry) {
			out = append(out, qr)
		}
	}
	return out
}

// extractBand returns and clears the band for p, letting a caller
// rebuild the queue around entries inserted ahead of it (spec.md §4.4
// step 4's replay ordering).
func (q *eventQueue) extractBand(p Priority) []*queuedRequest {
	band := q.bandFor(p)
	out := *band
	*band = nil
	return out
}

// appendAll appends each entry to the rear of its own priority band,
// preserving relative order, used to replay pending-ack requests on
// reconnect (spec.md §4.4 step 4) without disturbing their priority.
func (q *eventQueue) appendAll(entries []*pendingEntry) {
	for _, e := range entries {
		band := q.bandFor(e.priority)
		*band = append(*band, &queuedRequest{entry: e})
	}
}
