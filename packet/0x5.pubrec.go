package packet

// PUBREC QoS 2 发布收到 (保证交付第一步)
//
// MQTT v3.1.1/v5.0: 参考章节 3.5 PUBREC - Publish received
type PUBREC struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      *Properties
}

func (pkt *PUBREC) Kind() byte {
	return 0x5
}

func (pkt *PUBREC) encode(e *Encoder, version byte) (byte, error) {
	encodeAck(e, 0x5, version, pkt.PacketID, pkt.ReasonCode, pkt.Props)
	return 0, nil
}

func (pkt *PUBREC) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0); err != nil {
		return err
	}
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = decodeAck(d, 0x5, version, pubackCodes)
	return err
}
