package upload

import (
	"io"
	"sync"
)

// Progress aggregates byte counts of concurrent uploads into per-slot
// percentages. Reported values never decrease.
type Progress struct {
	mu       sync.Mutex
	total    map[string]int64
	sent     map[string]int64
	reported map[string]int
	onChange func(slot string, pct int)
}

// NewProgress creates a tracker. onChange is called, outside the lock,
// whenever a slot's percentage increases.
func NewProgress(onChange func(slot string, pct int)) *Progress {
	return &Progress{
		total:    make(map[string]int64),
		sent:     make(map[string]int64),
		reported: make(map[string]int),
		onChange: onChange,
	}
}

// Expect registers size bytes to be sent for slot.
func (p *Progress) Expect(slot string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total[slot] += size
	if _, ok := p.reported[slot]; !ok {
		p.reported[slot] = 0
	}
}

// Add records n more bytes sent for slot.
func (p *Progress) Add(slot string, n int64) {
	p.mu.Lock()
	p.sent[slot] += n
	pct := percent(p.sent[slot], p.total[slot])
	changed := pct > p.reported[slot]
	if changed {
		p.reported[slot] = pct
	}
	p.mu.Unlock()

	if changed && p.onChange != nil {
		p.onChange(slot, pct)
	}
}

// Complete marks slot as fully sent.
func (p *Progress) Complete(slot string) {
	p.mu.Lock()
	changed := p.reported[slot] < 100
	p.reported[slot] = 100
	p.mu.Unlock()

	if changed && p.onChange != nil {
		p.onChange(slot, 100)
	}
}

// Slot returns the current percentage of slot.
func (p *Progress) Slot(slot string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reported[slot]
}

// Overall returns the byte-weighted percentage across all slots.
func (p *Progress) Overall() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sent, total int64
	for slot, t := range p.total {
		total += t
		sent += min(p.sent[slot], t)
	}
	return percent(sent, total)
}

func percent(sent, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(sent * 100 / total)
	return min(max(pct, 0), 100)
}

type countingReader struct {
	r    io.Reader
	slot string
	p    *Progress
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 && c.p != nil {
		c.p.Add(c.slot, int64(n))
	}
	return n, err
}
