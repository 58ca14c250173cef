package packet

// DISCONNECT 断开连接
//
// MQTT v3.1.1: 参考章节 3.14, 无可变报头和载荷. 收到后服务端丢弃遗嘱消息.
// MQTT v5.0: 参考章节 3.14, 可携带原因码与属性, 原因码为 0 且无属性时剩余长度为 0.
type DISCONNECT struct {
	ReasonCode ReasonCode
	Props      *Properties
}

func (pkt *DISCONNECT) Kind() byte {
	return 0xE
}

func (pkt *DISCONNECT) encode(e *Encoder, version byte) (byte, error) {
	encodeReason(e, 0xE, version, pkt.ReasonCode, pkt.Props)
	return 0, nil
}

func (pkt *DISCONNECT) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0); err != nil {
		return err
	}
	pkt.ReasonCode, pkt.Props, err = decodeReason(d, 0xE, version, disconnectCodes)
	return err
}

// encodeReason writes the optional reason code and properties of DISCONNECT and AUTH.
func encodeReason(e *Encoder, kind, version byte, rc ReasonCode, props *Properties) {
	if version != VERSION500 || (rc == CodeSuccess && props == nil) {
		return
	}
	e.PutByte(byte(rc))
	if props != nil {
		encodeProperties(e, kind, props)
	}
}

func decodeReason(d *Decoder, kind, version byte, valid map[ReasonCode]bool) (ReasonCode, *Properties, error) {
	if version != VERSION500 || d.Remaining() == 0 {
		return CodeSuccess, nil, nil
	}
	b, err := d.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if !valid[ReasonCode(b)] {
		return 0, nil, protocolErr("invalid reason code 0x%02x", b)
	}
	if d.Remaining() == 0 {
		return ReasonCode(b), nil, nil
	}
	props, err := decodeProperties(d, kind)
	return ReasonCode(b), props, err
}
