package simulator

import "fmt"

// Relay joins two consecutive hops. It owns the inbound and outbound link
// of each direction and forwards whatever arrives.
type Relay struct {
	Name        string
	ForwardIn   *Link
	ForwardOut  *Link
	ReverseIn   *Link
	ReverseOut  *Link
	Forwarded   int
	DroppedHere int
}

func (r *Relay) forward(out *Link, p *Packet) {
	if out.Enqueue(p) == Dropped {
		r.DroppedHere++
		return
	}
	r.Forwarded++
}

// Topology is a chain of hops between the sender and the receiver. Data
// travels over the Forward links, ACKs over the Reverse links; the two
// directions share nothing.
type Topology struct {
	Forward []*Link // Forward[i] carries data over hop i
	Reverse []*Link // Reverse[i] carries ACKs over hop i
	Relays  []*Relay
}

// NewTopology builds the links of every hop. toReceiver is called for
// packets leaving the last forward link, toSender for packets leaving the
// first reverse link.
func NewTopology(sched *Scheduler, cfg SimConfig, toReceiver, toSender func(*Packet)) *Topology {
	n := len(cfg.Hops)
	t := &Topology{
		Forward: make([]*Link, n),
		Reverse: make([]*Link, n),
		Relays:  make([]*Relay, 0, n-1),
	}
	relays := make([]*Relay, n)
	for i := 0; i < n-1; i++ {
		relays[i] = &Relay{Name: fmt.Sprintf("relay%d", i)}
		t.Relays = append(t.Relays, relays[i])
	}

	// forward links are created back to front so each can hand off to the next
	for i := n - 1; i >= 0; i-- {
		deliver := toReceiver
		if i < n-1 {
			relay, next := relays[i], t.Forward[i+1]
			deliver = func(p *Packet) { relay.forward(next, p) }
		}
		t.Forward[i] = NewLink(fmt.Sprintf("hop%d/fwd", i), sched, cfg.Hops[i], cfg.QueueMode, deliver)
	}
	for i := 0; i < n; i++ {
		deliver := toSender
		if i > 0 {
			relay, next := relays[i-1], t.Reverse[i-1]
			deliver = func(p *Packet) { relay.forward(next, p) }
		}
		t.Reverse[i] = NewLink(fmt.Sprintf("hop%d/rev", i), sched, cfg.Hops[i], cfg.QueueMode, deliver)
	}
	for i, relay := range t.Relays {
		relay.ForwardIn, relay.ForwardOut = t.Forward[i], t.Forward[i+1]
		relay.ReverseIn, relay.ReverseOut = t.Reverse[i+1], t.Reverse[i]
	}
	return t
}

// SendData injects a packet at the sender's end of the path.
func (t *Topology) SendData(p *Packet) EnqueueResult {
	return t.Forward[0].Enqueue(p)
}

// SendAck injects a packet at the receiver's end of the path.
func (t *Topology) SendAck(p *Packet) EnqueueResult {
	return t.Reverse[len(t.Reverse)-1].Enqueue(p)
}

// Links returns every link, forward first.
func (t *Topology) Links() []*Link {
	links := make([]*Link, 0, 2*len(t.Forward))
	links = append(links, t.Forward...)
	return append(links, t.Reverse...)
}

// Bottleneck returns the slowest forward link.
func (t *Topology) Bottleneck() *Link {
	slowest := t.Forward[0]
	for _, l := range t.Forward[1:] {
		if l.bytesPerSec < slowest.bytesPerSec {
			slowest = l
		}
	}
	return slowest
}

// Drops returns the total number of packets dropped on every link.
func (t *Topology) Drops() int {
	total := 0
	for _, l := range t.Links() {
		total += l.queue.Stats().Dropped
	}
	return total
}
