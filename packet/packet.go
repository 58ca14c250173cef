package packet

// Packet 定义了MQTT控制报文的通用接口
//
// MQTT v3.1.1 (OASIS Standard, 29 October 2014):
// - 参考章节: 2.1 Structure of an MQTT Control Packet
// - 每个MQTT控制报文都包含固定报头和可变报头，某些报文还包含载荷
//
// MQTT v5.0 (OASIS Standard, 7 March 2019):
// - 参考章节: 2.1 Structure of an MQTT Control Packet
// - 在v3.1.1基础上增加了属性(Properties)系统
//
// The set of implementations is closed: CONNECT through AUTH in this package.
type Packet interface {
	// Kind 返回报文的类型标识符, 位置: 固定报头第1字节的bits 7-4
	Kind() byte

	// encode writes the variable header and payload and returns the low
	// nibble of the fixed header.
	encode(e *Encoder, version byte) (flags byte, err error)

	// decode parses the body. flags is the low nibble of the fixed header.
	decode(d *Decoder, flags byte, version byte) error
}

// Encode serialises pkt for the given protocol level, fixed header included.
func Encode(version byte, pkt Packet) ([]byte, error) {
	e := getEncoder()
	defer putEncoder(e)
	flags, err := pkt.encode(e, version)
	if err == nil {
		err = e.Err()
	}
	if err != nil {
		return nil, withKind(err, pkt.Kind())
	}
	b, err := e.Done(pkt.Kind()<<4 | flags)
	if err != nil {
		return nil, withKind(err, pkt.Kind())
	}
	return b, nil
}

// Decode parses exactly one packet from b, which must hold the whole packet
// and nothing else.
func Decode(version byte, b []byte) (Packet, error) {
	d := NewDecoder(b)
	header, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	n, err := d.ReadVarInt()
	if err != nil {
		return nil, err
	}
	body, err := d.Sub(int(n))
	if err != nil {
		return nil, withKind(err, header>>4)
	}
	if err := d.Done(); err != nil {
		return nil, withKind(err, header>>4)
	}
	return decodeBody(version, header, body)
}

func decodeBody(version byte, header byte, d *Decoder) (Packet, error) {
	kind, flags := header>>4, header&0x0F
	pkt, err := newPacket(kind, version)
	if err != nil {
		return nil, err
	}
	if err := pkt.decode(d, flags, version); err != nil {
		return nil, withKind(err, kind)
	}
	if err := d.Done(); err != nil {
		return nil, withKind(err, kind)
	}
	return pkt, nil
}

func newPacket(kind byte, version byte) (Packet, error) {
	switch kind {
	case 0x1:
		return &CONNECT{}, nil
	case 0x2:
		return &CONNACK{}, nil
	case 0x3:
		return &PUBLISH{}, nil
	case 0x4:
		return &PUBACK{}, nil
	case 0x5:
		return &PUBREC{}, nil
	case 0x6:
		return &PUBREL{}, nil
	case 0x7:
		return &PUBCOMP{}, nil
	case 0x8:
		return &SUBSCRIBE{}, nil
	case 0x9:
		return &SUBACK{}, nil
	case 0xA:
		return &UNSUBSCRIBE{}, nil
	case 0xB:
		return &UNSUBACK{}, nil
	case 0xC:
		return &PINGREQ{}, nil
	case 0xD:
		return &PINGRESP{}, nil
	case 0xE:
		return &DISCONNECT{}, nil
	case 0xF:
		if version != VERSION500 {
			return nil, &DecoderError{Kind: kind, Reason: "AUTH requires protocol level 5", Code: ErrProtocolErr}
		}
		return &AUTH{}, nil
	default:
		return nil, malformed("reserved packet type 0x%x", kind)
	}
}

// expectFlags checks the fixed header low nibble of packets with a fixed value.
func expectFlags(flags, want byte) error {
	if flags != want {
		return malformed("invalid fixed header flags 0x%x", flags)
	}
	return nil
}

func readPacketID(d *Decoder) (uint16, error) {
	id, err := d.ReadUint16()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, protocolErr("packet identifier must be non-zero")
	}
	return id, nil
}

func putPacketID(e *Encoder, id uint16) {
	if id == 0 {
		e.Fail(encodeErr("packet identifier must be non-zero"))
		return
	}
	e.PutUint16(id)
}
