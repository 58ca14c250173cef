package packet

import (
	"encoding/binary"
	"unicode/utf8"
)

const (
	VERSION310 byte = 0x3
	VERSION311 byte = 0x4
	VERSION500 byte = 0x5

	// MaxVarInt 变长字节整数能表示的最大值 (4 字节)
	MaxVarInt = 0xFFFFFFF // 268435455

	maxUint16 = 0xFFFF

	KB = 1024 * 1
	MB = 1024 * KB
)

// Kind Control packet types. Position: byte 1, bits 7-4
var Kind = map[byte]string{
	0x0: "[0x0]RESERVED",    // Forbidden 					Reserved
	0x1: "[0x1]CONNECT",     // 客户端到服务端 客户端请求连接服务端
	0x2: "[0x2]CONNACK",     // 服务端到客户端 连接报文确认
	0x3: "[0x3]PUBLISH",     // Client to Server or Server to Client Publish message
	0x4: "[0x4]PUBACK",      // Client to Server or Server to Client Publish acknowledgment
	0x5: "[0x5]PUBREC",      // Client to Server or Server to Client Publish received (assured delivery part 1)
	0x6: "[0x6]PUBREL",      // Client to Server or Server to Client Publish release (assured delivery part 2)
	0x7: "[0x7]PUBCOMP",     // Client to Server or Server to Client Publish complete (assured delivery part 3)
	0x8: "[0x8]SUBSCRIBE",   // Client to Server Client subscribe request
	0x9: "[0x9]SUBACK",      // Server to Client Subscribe acknowledgment
	0xA: "[0xA]UNSUBSCRIBE", // Client to Server Unsubscribe request
	0xB: "[0xB]UNSUBACK",    // Server to Client Unsubscribe acknowledgment
	0xC: "[0xC]PINGREQ",     // Client to Server PING request
	0xD: "[0xD]PINGRESP",    // Server to Client PING response
	0xE: "[0xE]DISCONNECT",  // Client to Server Client is disconnecting
	0xF: "[0xF]AUTH",        // MQTT 3-11-1:Forbidden Reserved, MQTT 5.0:AUTH
}

func kindName(kind byte) string {
	if s, ok := Kind[kind]; ok {
		return s
	}
	return "[?]UNKNOWN"
}

// VarIntSize returns the number of bytes v occupies as a variable byte integer.
func VarIntSize(v uint32) int {
	switch {
	case v < 1<<7:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<21:
		return 3
	default:
		return 4
	}
}

// AppendVarInt 按 MQTT 变长字节整数编码追加 v. 参考章节 1.5.5 Variable Byte Integer
func AppendVarInt(b []byte, v uint32) ([]byte, error) {
	if v > MaxVarInt {
		return b, encodeErr("length encoding failed: %d exceeds %d", v, MaxVarInt)
	}
	for {
		enc := byte(v % 128)
		v /= 128
		if v > 0 { // if there are more data to encode, set the top bit of this byte
			enc |= 0x80
		}
		b = append(b, enc)
		if v == 0 {
			return b, nil
		}
	}
}

// An Encoder accumulates a packet body. The first failure sticks and is
// reported by Done; later writes are ignored.
type Encoder struct {
	buf []byte
	err error
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (e *Encoder) Len() int { return len(e.buf) }

// Fail records an encoding error unless one is already pending.
func (e *Encoder) Fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *Encoder) Err() error { return e.err }

func (e *Encoder) PutByte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *Encoder) PutUint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) PutUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutVarInt(v uint32) {
	b, err := AppendVarInt(e.buf, v)
	if err != nil {
		e.Fail(err)
		return
	}
	e.buf = b
}

// PutBinary writes two-byte length prefixed binary data.
func (e *Encoder) PutBinary(b []byte) {
	if len(b) > maxUint16 {
		e.Fail(encodeErr("binary data too long: %d bytes", len(b)))
		return
	}
	e.PutUint16(uint16(len(b)))
	e.buf = append(e.buf, b...)
}

// PutString writes a two-byte length prefixed UTF-8 string. 参考章节 1.5.4
func (e *Encoder) PutString(s string) {
	if len(s) > maxUint16 {
		e.Fail(encodeErr("string too long: %d bytes", len(s)))
		return
	}
	if !utf8.ValidString(s) {
		e.Fail(encodeErr("invalid utf-8 string"))
		return
	}
	e.PutUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// PutRaw appends b unchanged.
func (e *Encoder) PutRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Bytes returns the body accumulated so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// Done prefixes the body with the fixed header byte and remaining length.
func (e *Encoder) Done(header byte) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([]byte, 0, 1+VarIntSize(uint32(len(e.buf)))+len(e.buf))
	out = append(out, header)
	if len(e.buf) > MaxVarInt {
		return nil, encodeErr("%s: %d bytes", ReasonTooLarge, len(e.buf))
	}
	out, _ = AppendVarInt(out, uint32(len(e.buf)))
	return append(out, e.buf...), nil
}

// A Decoder reads the fields of one packet body. Every read is bounds
// checked; slices handed out are copies, so the source buffer may be reused.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) need(n int) error {
	if n < 0 || d.Remaining() < n {
		return &DecoderError{Reason: ReasonTooShort, Code: ErrMalformedPacket}
	}
	return nil
}

func (d *Decoder) ReadByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) ReadUint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// ReadVarInt decodes a variable byte integer of at most four bytes.
func (d *Decoder) ReadVarInt() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := d.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, &DecoderError{Reason: ReasonLength, Code: ErrMalformedPacket}
}

func (d *Decoder) take(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadBinary reads two-byte length prefixed binary data. Zero length yields nil.
func (d *Decoder) ReadBinary() ([]byte, error) {
	n, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	b, err := d.take(int(n))
	if err != nil || n == 0 {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadUint16()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", malformed("invalid utf-8 string")
	}
	return string(b), nil
}

// ReadRest consumes everything left. No bytes yields nil.
func (d *Decoder) ReadRest() []byte {
	if d.Remaining() == 0 {
		return nil
	}
	b := append([]byte(nil), d.buf[d.pos:]...)
	d.pos = len(d.buf)
	return b
}

// Sub splits off the next n bytes as an independent decoder.
func (d *Decoder) Sub(n int) (*Decoder, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	return NewDecoder(b), nil
}

// Done reports an error if unread bytes remain.
func (d *Decoder) Done() error {
	if d.Remaining() != 0 {
		return &DecoderError{Reason: ReasonTooLong, Code: ErrMalformedPacket}
	}
	return nil
}
