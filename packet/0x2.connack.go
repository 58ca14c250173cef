package packet

// CONNACK 连接报文确认
//
// MQTT v3.1.1: 参考章节 3.2 CONNACK - Acknowledge connection request
// MQTT v5.0: 参考章节 3.2 CONNACK - Connect acknowledgement
//
// 可变报头: 连接确认标志 (仅 bit0 Session Present), 返回码/原因码 (v5 追加属性)
type CONNACK struct {
	SessionPresent bool
	ReturnCode     ReasonCode
	Props          *Properties
}

func (pkt *CONNACK) Kind() byte {
	return 0x2
}

func (pkt *CONNACK) encode(e *Encoder, version byte) (byte, error) {
	if pkt.SessionPresent {
		if pkt.ReturnCode != CodeSuccess {
			return 0, encodeErr("session present with non-zero return code")
		}
		e.PutByte(0x01)
	} else {
		e.PutByte(0x00)
	}
	e.PutByte(byte(pkt.ReturnCode))
	if version == VERSION500 {
		encodeProperties(e, 0x2, pkt.Props)
	}
	return 0, nil
}

func (pkt *CONNACK) decode(d *Decoder, flags byte, version byte) error {
	if err := expectFlags(flags, 0); err != nil {
		return err
	}
	ack, err := d.ReadByte()
	if err != nil {
		return err
	}
	if ack&0xFE != 0 {
		return malformed("reserved connect acknowledge flags set")
	}
	pkt.SessionPresent = ack == 0x01
	rc, err := d.ReadByte()
	if err != nil {
		return err
	}
	pkt.ReturnCode = ReasonCode(rc)
	valid := connackCodesV3
	if version == VERSION500 {
		valid = connackCodesV5
	}
	if !valid[pkt.ReturnCode] {
		return protocolErr("invalid return code 0x%02x", rc)
	}
	if version == VERSION500 {
		pkt.Props, err = decodeProperties(d, 0x2)
	}
	return err
}
