package packet

// UNSUBACK 取消订阅确认
//
// MQTT v3.1.1: 参考章节 3.11 UNSUBACK, 仅包含报文标识符.
// MQTT v5.0: 参考章节 3.11 UNSUBACK, 追加属性和每个过滤器对应的原因码.
type UNSUBACK struct {
	PacketID    uint16
	ReasonCodes []ReasonCode // v5
	Props       *Properties
}

func (pkt *UNSUBACK) Kind() byte {
	return 0xB
}

func (pkt *UNSUBACK) encode(e *Encoder, version byte) (byte, error) {
	putPacketID(e, pkt.PacketID)
	if version != VERSION500 {
		return 0, nil
	}
	encodeProperties(e, 0xB, pkt.Props)
	for _, rc := range pkt.ReasonCodes {
		e.PutByte(byte(rc))
	}
	return 0, nil
}

func (pkt *UNSUBACK) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0); err != nil {
		return err
	}
	if pkt.PacketID, err = readPacketID(d); err != nil {
		return err
	}
	if version != VERSION500 {
		return nil
	}
	if pkt.Props, err = decodeProperties(d, 0xB); err != nil {
		return err
	}
	for d.Remaining() > 0 {
		b, _ := d.ReadByte()
		if !unsubackCodes[ReasonCode(b)] {
			return protocolErr("invalid reason code 0x%02x", b)
		}
		pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode(b))
	}
	return nil
}
