// internal/progress/publisher.go
package progress

import (
	"sync"

	"github.com/mediakit/imagestudio/pkg/schema"
)

// subscriberBuffer is the per-subscription channel depth. A consumer
// that falls further behind than this starts losing events; progress
// is best-effort by contract.
const subscriberBuffer = 64

// Subscription is one consumer's view of a job's progress stream.
// Events closes when the job reaches a terminal state or the
// subscription is cancelled.
type Subscription struct {
	Events <-chan schema.ProgressEvent

	pub   *Publisher
	jobID string
	ch    chan schema.ProgressEvent
	once  sync.Once
}

// Cancel detaches the subscription. Safe to call multiple times and
// after the stream has closed.
func (s *Subscription) Cancel() {
	s.pub.unsubscribe(s.jobID, s)
}

// Publisher fans ordered progress events out to any number of
// subscribers per job. Publishing never blocks and never fails the
// producing job: events for full or absent subscribers are dropped.
type Publisher struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
	seq  map[string]uint64
	done map[string]bool
}

func NewPublisher() *Publisher {
	return &Publisher{
		subs: make(map[string][]*Subscription),
		seq:  make(map[string]uint64),
		done: make(map[string]bool),
	}
}

// Publish stamps ev with the job's next sequence number and offers
// it to every subscriber. Slow subscribers lose the event rather
// than stalling the caller.
func (p *Publisher) Publish(jobID string, ev schema.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done[jobID] {
		return
	}
	p.seq[jobID]++
	ev.JobID = jobID
	ev.Seq = p.seq[jobID]

	for _, sub := range p.subs[jobID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a consumer for a job's events. Subscribing to
// a job that already finished yields an immediately closed stream.
func (p *Publisher) Subscribe(jobID string) *Subscription {
	ch := make(chan schema.ProgressEvent, subscriberBuffer)
	sub := &Subscription{Events: ch, ch: ch, jobID: jobID}
	sub.pub = p

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done[jobID] {
		close(ch)
		return sub
	}
	p.subs[jobID] = append(p.subs[jobID], sub)
	return sub
}

// Complete marks the job terminal: all subscriber streams close and
// the job's bookkeeping is released so it can be garbage collected.
func (p *Publisher) Complete(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done[jobID] {
		return
	}
	p.done[jobID] = true
	for _, sub := range p.subs[jobID] {
		sub.closeCh()
	}
	delete(p.subs, jobID)
	delete(p.seq, jobID)
}

// Forget drops terminal-state bookkeeping for a job. Called once no
// subscriber can still ask about it.
func (p *Publisher) Forget(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.done, jobID)
}

func (p *Publisher) unsubscribe(jobID string, target *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.subs[jobID]
	for i, sub := range subs {
		if sub == target {
			p.subs[jobID] = append(subs[:i], subs[i+1:]...)
			sub.closeCh()
			return
		}
	}
}

func (s *Subscription) closeCh() {
	s.once.Do(func() { close(s.ch) })
}
