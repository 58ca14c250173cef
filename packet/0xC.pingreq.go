package packet

// PINGREQ 心跳请求. 参考章节 3.12, 无可变报头和载荷.
type PINGREQ struct{}

func (pkt *PINGREQ) Kind() byte {
	return 0xC
}

func (pkt *PINGREQ) encode(*Encoder, byte) (byte, error) { return 0, nil }

func (pkt *PINGREQ) decode(_ *Decoder, flags byte, _ byte) error {
	return expectFlags(flags, 0)
}
