package packet

import "sync"

// 报文缓冲池. Decoders copy what they keep and Encoder.Done copies the body
// out, so both kinds of buffer go back to the pool once a packet is done.

const maxPooled = 64 * KB // 大报文的缓冲不回收

var encoders = sync.Pool{
	New: func() any { return NewEncoder() },
}

func getEncoder() *Encoder {
	return encoders.Get().(*Encoder)
}

func putEncoder(e *Encoder) {
	if cap(e.buf) > maxPooled {
		return
	}
	e.buf, e.err = e.buf[:0], nil
	encoders.Put(e)
}

var bodies = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4*KB)
		return &b
	},
}

// getBody returns a body buffer of length n.
func getBody(n int) *[]byte {
	p := bodies.Get().(*[]byte)
	if cap(*p) < n {
		*p = make([]byte, n)
	}
	*p = (*p)[:n]
	return p
}

func putBody(p *[]byte) {
	if cap(*p) > maxPooled {
		return
	}
	bodies.Put(p)
}
