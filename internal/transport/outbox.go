package transport

// frame is one websocket message.
type frame struct {
	kind int
	data []byte
	// transient frames belong to one connection and are not resent after it drops.
	transient bool
}

// outbox is a bounded FIFO. Pushing onto a full outbox drops the oldest frame.
type outbox struct {
	frames []frame
	limit  int
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = 1
	}
	return &outbox{limit: limit}
}

// push appends f and reports whether an older frame was dropped.
func (o *outbox) push(f frame) (dropped bool) {
	if len(o.frames) >= o.limit {
		o.frames = o.frames[1:]
		dropped = true
	}
	o.frames = append(o.frames, f)
	return dropped
}

// pushFront puts fs ahead of everything queued, keeping their order, and
// returns how many of the oldest frames were dropped to stay within limit.
func (o *outbox) pushFront(fs []frame) (dropped int) {
	o.frames = append(append(make([]frame, 0, len(fs)+len(o.frames)), fs...), o.frames...)
	if over := len(o.frames) - o.limit; over > 0 {
		o.frames = o.frames[over:]
		dropped = over
	}
	return dropped
}

func (o *outbox) peek() (frame, bool) {
	if len(o.frames) == 0 {
		return frame{}, false
	}
	return o.frames[0], true
}

func (o *outbox) pop() {
	o.frames[0] = frame{}
	o.frames = o.frames[1:]
}

func (o *outbox) len() int { return len(o.frames) }
