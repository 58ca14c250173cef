package packet

import (
	"fmt"

	"github.com/golang-io/opifex/topic"
)

// PUBLISH 发布消息
//
// MQTT v3.1.1: 参考章节 3.3 PUBLISH - Publish message
// MQTT v5.0: 参考章节 3.3 PUBLISH - Publish message
//
// 固定报头标志: bit3 DUP, bits2-1 QoS, bit0 RETAIN
// 可变报头: 主题名, 报文标识符 (仅 QoS>0), v5 属性
// 载荷: 应用消息, 占用剩余全部字节
type PUBLISH struct {
	Dup      bool
	QoS      uint8
	Retain   bool
	Topic    string
	PacketID uint16 // 仅 QoS 1/2 有效
	Payload  []byte
	Props    *Properties
}

func (pkt *PUBLISH) Kind() byte {
	return 0x3
}

func (pkt *PUBLISH) String() string {
	return fmt.Sprintf("PUBLISH(topic=%s, qos=%d, id=%d, retain=%t, dup=%t, len=%d)",
		pkt.Topic, pkt.QoS, pkt.PacketID, pkt.Retain, pkt.Dup, len(pkt.Payload))
}

func (pkt *PUBLISH) validTopic(version byte) error {
	if pkt.Topic == "" && version == VERSION500 && pkt.Props != nil && pkt.Props.TopicAlias != 0 {
		return nil
	}
	return topic.ValidTopic(pkt.Topic)
}

func (pkt *PUBLISH) encode(e *Encoder, version byte) (byte, error) {
	if pkt.QoS > 2 {
		return 0, encodeErr("qos %d out of range", pkt.QoS)
	}
	if pkt.Dup && pkt.QoS == 0 {
		return 0, encodeErr("dup set on qos 0 message")
	}
	if pkt.QoS == 0 && pkt.PacketID != 0 {
		return 0, encodeErr("packet identifier on qos 0 message")
	}
	if err := pkt.validTopic(version); err != nil {
		return 0, encodeErr("topic name: %v", err)
	}
	e.PutString(pkt.Topic)
	if pkt.QoS > 0 {
		putPacketID(e, pkt.PacketID)
	}
	if version == VERSION500 {
		encodeProperties(e, 0x3, pkt.Props)
	}
	e.PutRaw(pkt.Payload)

	flags := pkt.QoS << 1
	if pkt.Dup {
		flags |= 0x08
	}
	if pkt.Retain {
		flags |= 0x01
	}
	return flags, nil
}

func (pkt *PUBLISH) decode(d *Decoder, flags byte, version byte) (err error) {
	pkt.Dup = flags&0x08 != 0
	pkt.QoS = flags >> 1 & 0x03
	pkt.Retain = flags&0x01 != 0
	if pkt.QoS > 2 {
		return malformed("qos 3")
	}
	if pkt.Dup && pkt.QoS == 0 {
		return malformed("dup set on qos 0 message")
	}
	if pkt.Topic, err = d.ReadString(); err != nil {
		return err
	}
	if pkt.QoS > 0 {
		if pkt.PacketID, err = readPacketID(d); err != nil {
			return err
		}
	}
	if version == VERSION500 {
		if pkt.Props, err = decodeProperties(d, 0x3); err != nil {
			return err
		}
	}
	if err := pkt.validTopic(version); err != nil {
		return &DecoderError{Reason: "topic name: " + err.Error(), Code: ErrTopicNameInvalid}
	}
	pkt.Payload = d.ReadRest()
	return nil
}

// Clone returns a copy of pkt sharing Payload and Props.
func (pkt *PUBLISH) Clone() *PUBLISH {
	c := *pkt
	return &c
}
