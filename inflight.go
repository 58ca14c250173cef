package mqtt

import (
	"sync"

	"github.com/golang-io/opifex/packet"
)

// ackResult resolves an outstanding PUBLISH, SUBSCRIBE or UNSUBSCRIBE.
type ackResult struct {
	codes []packet.ReasonCode
	err   error
}

// inflight 保存等待确认的请求, 按报文标识符索引.
type inflight struct {
	mu      sync.Mutex
	waiters map[uint16]chan ackResult
}

func newInflight() *inflight {
	return &inflight{waiters: make(map[uint16]chan ackResult)}
}

func (i *inflight) add(id uint16) <-chan ackResult {
	i.mu.Lock()
	defer i.mu.Unlock()
	ch := make(chan ackResult, 1)
	i.waiters[id] = ch
	return ch
}

// resolve completes the waiter for id. It reports false when nobody waits.
func (i *inflight) resolve(id uint16, res ackResult) bool {
	i.mu.Lock()
	ch, ok := i.waiters[id]
	delete(i.waiters, id)
	i.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

func (i *inflight) remove(id uint16) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.waiters, id)
}

func (i *inflight) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.waiters)
}

// rejectAll fails every waiter with err.
func (i *inflight) rejectAll(err error) {
	i.mu.Lock()
	waiters := i.waiters
	i.waiters = make(map[uint16]chan ackResult)
	i.mu.Unlock()
	for _, ch := range waiters {
		ch <- ackResult{err: err}
	}
}
