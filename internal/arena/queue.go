package arena

// matchQueue is the FIFO of connections waiting for an opponent.
// Membership is exclusive; order determines pairing priority. All methods
// run under the Hub's lock.
type matchQueue struct {
	waiting []Peer
}

// enqueue appends p, removing any prior membership first so a double
// join_queue cannot produce two entries.
func (q *matchQueue) enqueue(p Peer) {
	q.remove(p)
	q.waiting = append(q.waiting, p)
}

func (q *matchQueue) remove(p Peer) {
	for i, w := range q.waiting {
		if w == p {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

func (q *matchQueue) len() int { return len(q.waiting) }

// nextPair pops the front two live entries. A dead entry is discarded and
// the survivor goes back to the front, keeping its waited-time priority.
// Returns ok=false once fewer than two candidates remain.
func (q *matchQueue) nextPair() (a, b Peer, ok bool) {
	for len(q.waiting) >= 2 {
		a, b = q.waiting[0], q.waiting[1]
		q.waiting = q.waiting[2:]
		switch {
		case !a.Open() && !b.Open():
			continue
		case !a.Open():
			q.waiting = append([]Peer{b}, q.waiting...)
			continue
		case !b.Open():
			q.waiting = append([]Peer{a}, q.waiting...)
			continue
		}
		return a, b, true
	}
	return nil, nil, false
}
