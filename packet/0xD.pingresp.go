package packet

// PINGRESP 心跳响应. 参考章节 3.13, 无可变报头和载荷.
type PINGRESP struct{}

func (pkt *PINGRESP) Kind() byte {
	return 0xD
}

func (pkt *PINGRESP) encode(*Encoder, byte) (byte, error) { return 0, nil }

func (pkt *PINGRESP) decode(_ *Decoder, flags byte, _ byte) error {
	return expectFlags(flags, 0)
}
