package transport

import "sync"

// Inbox serializes delivery to a Conn's receive callback. Implementations
// push messages in arrival order; one goroutine drains them so the callback
// never runs concurrently with itself.
type Inbox struct {
	mu      sync.Mutex
	handler func([]byte, error)
	queue   []delivery
	ended   bool
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

type delivery struct {
	msg []byte
	err error
}

func NewInbox() *Inbox {
	in := &Inbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go in.run()
	return in
}

func (in *Inbox) SetHandler(fn func([]byte, error)) {
	in.mu.Lock()
	in.handler = fn
	in.mu.Unlock()
	in.wake()
}

// Push queues msg; it is dropped once the inbox has ended or stopped.
func (in *Inbox) Push(msg []byte) {
	in.mu.Lock()
	if in.ended || in.stopped {
		in.mu.Unlock()
		return
	}
	in.queue = append(in.queue, delivery{msg: msg})
	in.mu.Unlock()
	in.wake()
}

// End queues the terminal error. Only the first call has an effect.
func (in *Inbox) End(err error) {
	in.mu.Lock()
	if in.ended || in.stopped {
		in.mu.Unlock()
		return
	}
	in.ended = true
	in.queue = append(in.queue, delivery{err: err})
	in.mu.Unlock()
	in.wake()
}

// Stop discards pending deliveries and exits the drain goroutine.
func (in *Inbox) Stop() {
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return
	}
	in.stopped = true
	in.queue = nil
	in.mu.Unlock()
	close(in.done)
}

func (in *Inbox) wake() {
	select {
	case in.signal <- struct{}{}:
	default:
	}
}

func (in *Inbox) run() {
	for {
		select {
		case <-in.done:
			return
		case <-in.signal:
		}
		for {
			d, fn, ok := in.next()
			if !ok {
				break
			}
			fn(d.msg, d.err)
			if d.err != nil {
				return
			}
		}
	}
}

func (in *Inbox) next() (delivery, func([]byte, error), bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped || in.handler == nil || len(in.queue) == 0 {
		return delivery{}, nil, false
	}
	d := in.queue[0]
	in.queue = in.queue[1:]
	return d, in.handler, true
}
