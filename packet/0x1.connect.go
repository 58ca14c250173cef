package packet

import (
	"github.com/golang-io/opifex/topic"
)

// CONNECT 客户端请求连接服务端
//
// MQTT v3.1.1: 参考章节 3.1 CONNECT - Client requests a connection to a Server
// MQTT v5.0: 参考章节 3.1 CONNECT - Connection Request
//
// 可变报头: 协议名, 协议级别, 连接标志, 保持连接 (v5 追加属性)
// 载荷: 客户端标识符, 遗嘱属性/主题/载荷, 用户名, 密码
type CONNECT struct {
	Version      byte // 协议级别, 0 表示使用编码时传入的版本
	CleanSession bool // v5 中称为 Clean Start
	KeepAlive    uint16
	ClientID     string
	Will         *Will
	Username     string
	Password     []byte // nil 表示无密码
	Props        *Properties
}

// Will 遗嘱消息, 连接异常断开时由服务端代为发布.
type Will struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
	Props   *Properties // v5 will properties
}

func (pkt *CONNECT) Kind() byte {
	return 0x1
}

func protocolName(level byte) string {
	if level == VERSION310 {
		return "MQIsdp"
	}
	return "MQTT"
}

func (pkt *CONNECT) encode(e *Encoder, version byte) (byte, error) {
	level := pkt.Version
	if level == 0 {
		level = version
	}
	if pkt.ClientID == "" && !pkt.CleanSession {
		return 0, encodeErr("empty client identifier requires clean session")
	}
	e.PutString(protocolName(level))
	e.PutByte(level)

	var flags byte
	if pkt.Username != "" || (pkt.Password != nil && level < VERSION500) {
		flags |= 0x80
	}
	if pkt.Password != nil {
		flags |= 0x40
	}
	if w := pkt.Will; w != nil {
		if w.QoS > 2 {
			return 0, encodeErr("will qos %d out of range", w.QoS)
		}
		if err := topic.ValidTopic(w.Topic); err != nil {
			return 0, encodeErr("will topic: %v", err)
		}
		flags |= 0x04 | w.QoS<<3
		if w.Retain {
			flags |= 0x20
		}
	}
	if pkt.CleanSession {
		flags |= 0x02
	}
	e.PutByte(flags)
	e.PutUint16(pkt.KeepAlive)
	if level == VERSION500 {
		encodeProperties(e, 0x1, pkt.Props)
	}

	e.PutString(pkt.ClientID)
	if w := pkt.Will; w != nil {
		if level == VERSION500 {
			encodeProperties(e, propsWill, w.Props)
		}
		e.PutString(w.Topic)
		e.PutBinary(w.Payload)
	}
	if flags&0x80 != 0 {
		e.PutString(pkt.Username)
	}
	if flags&0x40 != 0 {
		e.PutBinary(pkt.Password)
	}
	return 0, nil
}

func (pkt *CONNECT) decode(d *Decoder, flags byte, _ byte) error {
	if err := expectFlags(flags, 0); err != nil {
		return err
	}
	name, err := d.ReadString()
	if err != nil {
		return err
	}
	if pkt.Version, err = d.ReadByte(); err != nil {
		return err
	}
	switch {
	case pkt.Version == VERSION310 && name == "MQIsdp":
	case pkt.Version != VERSION310 && name == "MQTT":
	default:
		return protocolErr("invalid protocol name %q for level %d", name, pkt.Version)
	}

	cf, err := d.ReadByte()
	if err != nil {
		return err
	}
	if cf&0x01 != 0 {
		return malformed("reserved connect flag set")
	}
	pkt.CleanSession = cf&0x02 != 0
	willFlag := cf&0x04 != 0
	willQoS := cf >> 3 & 0x03
	willRetain := cf&0x20 != 0
	passwordFlag := cf&0x40 != 0
	usernameFlag := cf&0x80 != 0
	if willQoS > 2 {
		return malformed("will qos 3")
	}
	if !willFlag && (willQoS != 0 || willRetain) {
		return malformed("will qos or retain set without will flag")
	}
	if passwordFlag && !usernameFlag && pkt.Version < VERSION500 {
		return protocolErr("password flag set without username flag")
	}

	if pkt.KeepAlive, err = d.ReadUint16(); err != nil {
		return err
	}
	if pkt.Version == VERSION500 {
		if pkt.Props, err = decodeProperties(d, 0x1); err != nil {
			return err
		}
	}

	if pkt.ClientID, err = d.ReadString(); err != nil {
		return err
	}
	if pkt.ClientID == "" && !pkt.CleanSession {
		return protocolErr("empty client identifier requires clean session")
	}
	if willFlag {
		w := &Will{QoS: willQoS, Retain: willRetain}
		if pkt.Version == VERSION500 {
			if w.Props, err = decodeProperties(d, propsWill); err != nil {
				return err
			}
		}
		if w.Topic, err = d.ReadString(); err != nil {
			return err
		}
		if err := topic.ValidTopic(w.Topic); err != nil {
			return protocolErr("will topic: %v", err)
		}
		if w.Payload, err = d.ReadBinary(); err != nil {
			return err
		}
		pkt.Will = w
	}
	if usernameFlag {
		if pkt.Username, err = d.ReadString(); err != nil {
			return err
		}
	}
	if passwordFlag {
		if pkt.Password, err = d.ReadBinary(); err != nil {
			return err
		}
		if pkt.Password == nil {
			pkt.Password = []byte{}
		}
	}
	return nil
}
