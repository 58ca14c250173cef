package packet

// PUBACK QoS 1 发布确认
//
// MQTT v3.1.1: 参考章节 3.4 PUBACK - Publish acknowledgement
// MQTT v5.0: 参考章节 3.4 PUBACK - Publish acknowledgement
//
// v5 中原因码为 0 且无属性时可省略原因码与属性, 剩余长度为 2.
type PUBACK struct {
	PacketID   uint16
	ReasonCode ReasonCode // v5
	Props      *Properties
}

func (pkt *PUBACK) Kind() byte {
	return 0x4
}

func (pkt *PUBACK) encode(e *Encoder, version byte) (byte, error) {
	encodeAck(e, 0x4, version, pkt.PacketID, pkt.ReasonCode, pkt.Props)
	return 0, nil
}

func (pkt *PUBACK) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0); err != nil {
		return err
	}
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = decodeAck(d, 0x4, version, pubackCodes)
	return err
}

// encodeAck writes the body shared by PUBACK, PUBREC, PUBREL and PUBCOMP.
func encodeAck(e *Encoder, kind, version byte, id uint16, rc ReasonCode, props *Properties) {
	putPacketID(e, id)
	if version != VERSION500 || (rc == CodeSuccess && props == nil) {
		return
	}
	e.PutByte(byte(rc))
	if props != nil {
		encodeProperties(e, kind, props)
	}
}

func decodeAck(d *Decoder, kind, version byte, valid map[ReasonCode]bool) (uint16, ReasonCode, *Properties, error) {
	id, err := readPacketID(d)
	if err != nil {
		return 0, 0, nil, err
	}
	if version != VERSION500 || d.Remaining() == 0 {
		return id, CodeSuccess, nil, nil
	}
	b, err := d.ReadByte()
	if err != nil {
		return 0, 0, nil, err
	}
	rc := ReasonCode(b)
	if !valid[rc] {
		return 0, 0, nil, protocolErr("invalid reason code 0x%02x", b)
	}
	if d.Remaining() == 0 {
		return id, rc, nil, nil
	}
	props, err := decodeProperties(d, kind)
	return id, rc, props, err
}
