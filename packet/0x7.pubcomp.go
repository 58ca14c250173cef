package packet

// PUBCOMP QoS 2 发布完成 (保证交付第三步)
//
// MQTT v3.1.1/v5.0: 参考章节 3.7 PUBCOMP - Publish complete
type PUBCOMP struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      *Properties
}

func (pkt *PUBCOMP) Kind() byte {
	return 0x7
}

func (pkt *PUBCOMP) encode(e *Encoder, version byte) (byte, error) {
	encodeAck(e, 0x7, version, pkt.PacketID, pkt.ReasonCode, pkt.Props)
	return 0, nil
}

func (pkt *PUBCOMP) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0); err != nil {
		return err
	}
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = decodeAck(d, 0x7, version, pubrelCodes)
	return err
}
