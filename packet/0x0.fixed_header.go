package packet

import (
	"errors"
	"fmt"
	"io"
)

// FixedHeader 固定报头
//
// MQTT v3.1.1/v5.0: 参考章节 2.2 Fixed header
// - 第1字节: bits 7-4 报文类型, bits 3-0 标志位
// - 第2字节起: 剩余长度, 1~4 字节变长整数
type FixedHeader struct {
	Kind            byte   // the type of the packet (PUBLISH, SUBSCRIBE, etc.) from bits 7 - 4 (byte 1).
	Flags           byte   // bits 3 - 0 (byte 1).
	RemainingLength uint32 // the number of remaining bytes in the packet.
}

func (h *FixedHeader) String() string {
	return fmt.Sprintf("%s: Flags=0x%x Len=%d", kindName(h.Kind), h.Flags, h.RemainingLength)
}

// Size returns the encoded size of the header itself.
func (h *FixedHeader) Size() int {
	return 1 + VarIntSize(h.RemainingLength)
}

// ReadFixedHeader reads the type byte and remaining length from r one byte at
// a time, so no bytes belonging to the body are consumed.
func ReadFixedHeader(r io.Reader) (*FixedHeader, error) {
	b := []byte{0x00}
	if err := readFull(r, b); err != nil {
		return nil, err
	}
	h := &FixedHeader{Kind: b[0] >> 4, Flags: b[0] & 0x0F}
	for i := 0; ; i++ {
		if i == 4 {
			return nil, &DecoderError{Kind: h.Kind, Reason: ReasonLength, Code: ErrMalformedPacket}
		}
		if err := readFull(r, b); err != nil {
			return nil, err
		}
		h.RemainingLength |= uint32(b[0]&0x7F) << (7 * i)
		if b[0]&0x80 == 0 {
			return h, nil
		}
	}
}

// readFull fills b from r. A stream that ends early, or a read that returns
// no data and no error, is reported as ErrUnexpectedEOF.
func readFull(r io.Reader, b []byte) error {
	for n := 0; n < len(b); {
		m, err := r.Read(b[n:])
		n += m
		switch {
		case n == len(b):
			return nil
		case err == nil && m == 0:
			return ErrUnexpectedEOF
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return ErrUnexpectedEOF
		case err != nil:
			return err
		}
	}
	return nil
}
