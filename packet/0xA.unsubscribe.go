package packet

import (
	"github.com/golang-io/opifex/topic"
)

// UNSUBSCRIBE 取消订阅
//
// MQTT v3.1.1/v5.0: 参考章节 3.10 UNSUBSCRIBE - Unsubscribe request
// 固定报头标志必须为 0b0010, 载荷至少包含一个主题过滤器.
type UNSUBSCRIBE struct {
	PacketID     uint16
	TopicFilters []string
	Props        *Properties
}

func (pkt *UNSUBSCRIBE) Kind() byte {
	return 0xA
}

func (pkt *UNSUBSCRIBE) encode(e *Encoder, version byte) (byte, error) {
	if len(pkt.TopicFilters) == 0 {
		return 0, encodeErr("no topic filters")
	}
	putPacketID(e, pkt.PacketID)
	if version == VERSION500 {
		encodeProperties(e, 0xA, pkt.Props)
	}
	for _, filter := range pkt.TopicFilters {
		if err := topic.ValidFilter(filter); err != nil {
			return 0, encodeErr("topic filter %q: %v", filter, err)
		}
		e.PutString(filter)
	}
	return 0b0010, nil
}

func (pkt *UNSUBSCRIBE) decode(d *Decoder, flags byte, version byte) (err error) {
	if err := expectFlags(flags, 0b0010); err != nil {
		return err
	}
	if pkt.PacketID, err = readPacketID(d); err != nil {
		return err
	}
	if version == VERSION500 {
		if pkt.Props, err = decodeProperties(d, 0xA); err != nil {
			return err
		}
	}
	for d.Remaining() > 0 {
		filter, err := d.ReadString()
		if err != nil {
			return err
		}
		if err := topic.ValidFilter(filter); err != nil {
			return &DecoderError{Reason: "topic filter: " + err.Error(), Code: ErrTopicFilterInvalid}
		}
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
	}
	if len(pkt.TopicFilters) == 0 {
		return protocolErr("no topic filters")
	}
	return nil
}
