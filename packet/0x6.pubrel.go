package packet

// PUBREL QoS 2 发布释放 (保证交付第二步)
//
// MQTT v3.1.1/v5.0: 参考章节 3.6 PUBREL - Publish release
// 固定报头标志必须为 0b0010.
type PUBREL struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      *Properties
}

func (pkt *PUBREL) Kind() byte {
	return 0x6
}

func (pkt *PUBREL) encode(e *Encoder, version byte) (byte, error) {
	encodeAck(e, 0x6, version, pkt.PacketID, pkt.ReasonCode, pkt.Props)
	return 0b0010, nil
}

func (pkt *PUBREL) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0b0010); err != nil {
		return err
	}
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = decodeAck(d, 0x6, version, pubrelCodes)
	return err
}
