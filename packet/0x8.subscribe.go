package packet

import (
	"github.com/golang-io/opifex/topic"
)

// SUBSCRIBE 订阅请求
//
// MQTT v3.1.1: 参考章节 3.8 SUBSCRIBE - Subscribe to topics
// MQTT v5.0: 参考章节 3.8 SUBSCRIBE - Subscribe request
//
// 固定报头标志必须为 0b0010, 载荷至少包含一个主题过滤器.
type SUBSCRIBE struct {
	PacketID      uint16
	Subscriptions []Subscription
	Props         *Properties
}

// Subscription 主题过滤器及订阅选项. 参考章节 3.8.3.1 Subscription Options
//
// v3.1.1 只使用 MaximumQoS, 其余选项在 v5 中编码在同一字节.
type Subscription struct {
	TopicFilter       string
	MaximumQoS        uint8 // bits 1-0
	NoLocal           bool  // bit 2
	RetainAsPublished bool  // bit 3
	RetainHandling    uint8 // bits 5-4
}

func (pkt *SUBSCRIBE) Kind() byte {
	return 0x8
}

func (sub *Subscription) options(version byte) (byte, error) {
	if sub.MaximumQoS > 2 {
		return 0, encodeErr("subscription qos %d out of range", sub.MaximumQoS)
	}
	opts := sub.MaximumQoS
	if version != VERSION500 {
		return opts, nil
	}
	if sub.RetainHandling > 2 {
		return 0, encodeErr("retain handling %d out of range", sub.RetainHandling)
	}
	if sub.NoLocal {
		opts |= 0x04
	}
	if sub.RetainAsPublished {
		opts |= 0x08
	}
	return opts | sub.RetainHandling<<4, nil
}

func (pkt *SUBSCRIBE) encode(e *Encoder, version byte) (byte, error) {
	if len(pkt.Subscriptions) == 0 {
		return 0, encodeErr("no topic filters")
	}
	putPacketID(e, pkt.PacketID)
	if version == VERSION500 {
		encodeProperties(e, 0x8, pkt.Props)
	}
	for i := range pkt.Subscriptions {
		sub := &pkt.Subscriptions[i]
		if err := topic.ValidFilter(sub.TopicFilter); err != nil {
			return 0, encodeErr("topic filter %q: %v", sub.TopicFilter, err)
		}
		opts, err := sub.options(version)
		if err != nil {
			return 0, err
		}
		e.PutString(sub.TopicFilter)
		e.PutByte(opts)
	}
	return 0b0010, nil
}

func (pkt *SUBSCRIBE) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0b0010); err != nil {
		return err
	}
	if pkt.PacketID, err = readPacketID(d); err != nil {
		return err
	}
	if version == VERSION500 {
		if pkt.Props, err = decodeProperties(d, 0x8); err != nil {
			return err
		}
	}
	for d.Remaining() > 0 {
		var sub Subscription
		if sub.TopicFilter, err = d.ReadString(); err != nil {
			return err
		}
		if err := topic.ValidFilter(sub.TopicFilter); err != nil {
			return &DecoderError{Reason: "topic filter: " + err.Error(), Code: ErrTopicFilterInvalid}
		}
		opts, err := d.ReadByte()
		if err != nil {
			return err
		}
		sub.MaximumQoS = opts & 0x03
		if sub.MaximumQoS > 2 {
			return malformed("subscription qos 3")
		}
		if version == VERSION500 {
			sub.NoLocal = opts&0x04 != 0
			sub.RetainAsPublished = opts&0x08 != 0
			sub.RetainHandling = opts >> 4 & 0x03
			if sub.RetainHandling > 2 {
				return protocolErr("retain handling 3")
			}
			if opts&0xC0 != 0 {
				return malformed("reserved subscription option bits set")
			}
		} else if opts&0xFC != 0 {
			return malformed("reserved subscription option bits set")
		}
		pkt.Subscriptions = append(pkt.Subscriptions, sub)
	}
	if len(pkt.Subscriptions) == 0 {
		return protocolErr("no topic filters")
	}
	return nil
}
