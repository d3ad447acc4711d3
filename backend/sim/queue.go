package sim

import (
	"fmt"

	"github.com/gogpu/rhi/driver"
)

// Queue is a simulated command queue. All queues of a device share one
// timeline, so work completes in global submission order.
type Queue struct {
	d   *Device
	typ driver.QueueType
}

// Type implements driver.Queue.
func (q *Queue) Type() driver.QueueType { return q.typ }

// Submit implements driver.Queue.
func (q *Queue) Submit(lists []driver.CommandList) error {
	if err := q.d.check(OpSubmit, q.typ); err != nil {
		return err
	}
	batch := make([]*CommandList, 0, len(lists))

	q.d.mu.Lock()
	for _, cl := range lists {
		l, ok := cl.(*CommandList)
		switch {
		case !ok:
			q.d.mu.Unlock()
			return fmt.Errorf("sim: foreign command list %T", cl)
		case l.destroyed:
			q.d.mu.Unlock()
			return fmt.Errorf("sim: submit destroyed command list %d", l.id)
		case l.recording:
			q.d.mu.Unlock()
			return fmt.Errorf("sim: submit command list %d that is still recording", l.id)
		case l.typ != q.typ:
			q.d.mu.Unlock()
			return fmt.Errorf("sim: %s command list %d submitted to %s queue", l.typ, l.id, q.typ)
		}
		batch = append(batch, l)
	}
	for _, l := range batch {
		l.inFlight++
		l.submittedTo = l.alloc
		l.alloc.inFlight++
	}
	q.d.mu.Unlock()

	q.d.enqueue(work{lists: batch})
	return nil
}

// Signal implements driver.Queue.
func (q *Queue) Signal(f driver.Fence, value uint64) error {
	if err := q.d.check(OpSignal, q.typ); err != nil {
		return err
	}
	sf, ok := f.(*Fence)
	if !ok {
		return fmt.Errorf("sim: foreign fence %T", f)
	}
	q.d.enqueue(work{fence: sf, value: value})
	return nil
}

// TimestampFrequency implements driver.Queue.
func (q *Queue) TimestampFrequency() (uint64, error) {
	if err := q.d.check(OpTimestampFreq, q.typ); err != nil {
		return 0, err
	}
	return q.d.cfg.frequency, nil
}
