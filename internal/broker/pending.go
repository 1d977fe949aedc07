package broker

import (
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/activitybridge/internal/frame"
)

// reply is the single outcome delivered to a waiting request.
type reply struct {
	resp *frame.Response
	err  *frame.Error
}

// pendingTable maps request ids to reply slots. Whoever removes an id from
// the map owns its slot, so at most one outcome is ever delivered.
type pendingTable struct {
	m sync.Map // uint32 -> chan reply
	n atomic.Int64
}

func (p *pendingTable) insert(id uint32) <-chan reply {
	ch := make(chan reply, 1)
	p.m.Store(id, ch)
	p.n.Add(1)
	return ch
}

func (p *pendingTable) take(id uint32) (chan reply, bool) {
	v, ok := p.m.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	p.n.Add(-1)
	return v.(chan reply), true
}

// resolve delivers r to the waiter for id. It reports false when id is not pending.
func (p *pendingTable) resolve(id uint32, r reply) bool {
	ch, ok := p.take(id)
	if !ok {
		return false
	}
	ch <- r
	return true
}

// remove drops id without delivering anything. It is idempotent.
func (p *pendingTable) remove(id uint32) bool {
	_, ok := p.take(id)
	return ok
}

func (p *pendingTable) has(id uint32) bool {
	_, ok := p.m.Load(id)
	return ok
}

func (p *pendingTable) len() int {
	return int(p.n.Load())
}

// closeAll closes every outstanding slot; waiters observe ErrChannelClosed.
func (p *pendingTable) closeAll() {
	p.m.Range(func(k, _ any) bool {
		if ch, ok := p.take(k.(uint32)); ok {
			close(ch)
		}
		return true
	})
}
