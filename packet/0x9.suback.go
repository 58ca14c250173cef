package packet

// SUBACK 订阅确认
//
// MQTT v3.1.1: 参考章节 3.9 SUBACK - Subscribe acknowledgement
// 返回码按 SUBSCRIBE 中过滤器的顺序排列: 0x00/0x01/0x02 为授予的 QoS, 0x80 为失败.
// MQTT v5.0: 参考章节 3.9 SUBACK, 原因码前追加属性.
type SUBACK struct {
	PacketID    uint16
	ReasonCodes []ReasonCode
	Props       *Properties
}

func (pkt *SUBACK) Kind() byte {
	return 0x9
}

func (pkt *SUBACK) encode(e *Encoder, version byte) (byte, error) {
	if len(pkt.ReasonCodes) == 0 {
		return 0, encodeErr("no return codes")
	}
	putPacketID(e, pkt.PacketID)
	if version == VERSION500 {
		encodeProperties(e, 0x9, pkt.Props)
	}
	for _, rc := range pkt.ReasonCodes {
		e.PutByte(byte(rc))
	}
	return 0, nil
}

func (pkt *SUBACK) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0); err != nil {
		return err
	}
	if pkt.PacketID, err = readPacketID(d); err != nil {
		return err
	}
	valid := subackCodesV3
	if version == VERSION500 {
		valid = subackCodesV5
		if pkt.Props, err = decodeProperties(d, 0x9); err != nil {
			return err
		}
	}
	for d.Remaining() > 0 {
		b, _ := d.ReadByte()
		if !valid[ReasonCode(b)] {
			return protocolErr("invalid return code 0x%02x", b)
		}
		pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode(b))
	}
	if len(pkt.ReasonCodes) == 0 {
		return protocolErr("no return codes")
	}
	return nil
}
