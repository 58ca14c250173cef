package packet

import (
	"io"
	"iter"
	"sync"
	"sync/atomic"
)

// Framer 在字节流上收发完整的 MQTT 报文.
//
// Reads are meant for a single goroutine; WritePacket may be called
// concurrently and emits every packet with one Write. A decode or I/O failure
// closes the underlying stream, after which every read and write fails.
type Framer struct {
	rwc           io.ReadWriteCloser
	version       atomic.Uint32
	maxPacketSize uint32

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	emu sync.Mutex
	err error
}

// NewFramer wraps rwc. maxPacketSize bounds the remaining length of inbound
// packets; 0 means no limit beyond the protocol maximum.
func NewFramer(rwc io.ReadWriteCloser, maxPacketSize uint32) *Framer {
	f := &Framer{rwc: rwc, maxPacketSize: maxPacketSize}
	f.version.Store(uint32(VERSION311))
	return f
}

// SetVersion sets the protocol level used for both directions.
func (f *Framer) SetVersion(version byte) {
	f.version.Store(uint32(version))
}

func (f *Framer) Version() byte {
	return byte(f.version.Load())
}

// ReadPacket reads and decodes the next packet.
func (f *Framer) ReadPacket() (Packet, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	pkt, err := ReadPacket(f.rwc, f.Version(), f.maxPacketSize)
	if err != nil {
		f.fail(err)
		return nil, err
	}
	return pkt, nil
}

// Packets yields inbound packets until the stream fails or is closed.
// The failure, if any, is available from Err afterwards.
func (f *Framer) Packets() iter.Seq[Packet] {
	return func(yield func(Packet) bool) {
		for {
			pkt, err := f.ReadPacket()
			if err != nil {
				return
			}
			if !yield(pkt) {
				return
			}
		}
	}
}

// WritePacket encodes pkt and writes it. An EncoderError leaves the stream
// open; a write failure closes it.
func (f *Framer) WritePacket(pkt Packet) error {
	b, err := Encode(f.Version(), pkt)
	if err != nil {
		return err
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if f.closed.Load() {
		return ErrClosed
	}
	if _, err := f.rwc.Write(b); err != nil {
		f.fail(err)
		return err
	}
	return nil
}

// Err returns the failure that ended the stream, or nil.
func (f *Framer) Err() error {
	f.emu.Lock()
	defer f.emu.Unlock()
	return f.err
}

// fail records the first failure and closes the stream.
func (f *Framer) fail(err error) {
	f.emu.Lock()
	if f.err == nil && !f.closed.Load() {
		f.err = err
	}
	f.emu.Unlock()
	f.Close()
}

// Closed reports whether the stream has been closed.
func (f *Framer) Closed() bool {
	return f.closed.Load()
}

// Close closes the underlying stream. It is idempotent.
func (f *Framer) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		err = f.rwc.Close()
	})
	return err
}

// ReadPacket reads one packet from r.
func ReadPacket(r io.Reader, version byte, maxPacketSize uint32) (Packet, error) {
	h, err := ReadFixedHeader(r)
	if err != nil {
		return nil, err
	}
	if maxPacketSize > 0 && uint64(h.RemainingLength)+1 >= uint64(maxPacketSize) {
		return nil, &DecoderError{Kind: h.Kind, Reason: ReasonTooLarge, Code: ErrPacketTooLarge}
	}
	p := getBody(int(h.RemainingLength))
	defer putBody(p)
	body := *p
	if err := readFull(r, body); err != nil {
		return nil, err
	}
	return decodeBody(version, h.Kind<<4|h.Flags, NewDecoder(body))
}
