package packet

// AUTH 增强认证, 仅 MQTT v5.0. 参考章节 3.15 AUTH - Authentication exchange
//
// v3.1.1 中 0xF 为保留类型, 编解码均报错.
type AUTH struct {
	ReasonCode ReasonCode
	Props      *Properties
}

func (pkt *AUTH) Kind() byte {
	return 0xF
}

func (pkt *AUTH) encode(e *Encoder, version byte) (byte, error) {
	if version != VERSION500 {
		return 0, encodeErr("AUTH requires protocol level 5")
	}
	encodeReason(e, 0xF, version, pkt.ReasonCode, pkt.Props)
	return 0, nil
}

func (pkt *AUTH) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0); err != nil {
		return err
	}
	pkt.ReasonCode, pkt.Props, err = decodeReason(d, 0xF, version, authCodes)
	return err
}
