package packet

import (
	"maps"
	"slices"
)

// Properties MQTT v5.0 属性集合. 参考章节 2.2.2 Properties
//
// A zero field means the property is absent. Properties whose zero value is
// meaningful on the wire are pointers. User properties are the only ones that
// may repeat; they keep their value order per key.
type Properties struct {
	PayloadFormatIndicator          uint8               // 0x01
	MessageExpiryInterval           uint32              // 0x02
	ContentType                     string              // 0x03
	ResponseTopic                   string              // 0x08
	CorrelationData                 []byte              // 0x09
	SubscriptionIdentifier          uint32              // 0x0B
	SessionExpiryInterval           uint32              // 0x11
	AssignedClientIdentifier        string              // 0x12
	ServerKeepAlive                 *uint16             // 0x13
	AuthenticationMethod            string              // 0x15
	AuthenticationData              []byte              // 0x16
	RequestProblemInformation       *uint8              // 0x17
	WillDelayInterval               uint32              // 0x18
	RequestResponseInformation      uint8               // 0x19
	ResponseInformation             string              // 0x1A
	ServerReference                 string              // 0x1C
	ReasonString                    string              // 0x1F
	ReceiveMaximum                  uint16              // 0x21
	TopicAliasMaximum               uint16              // 0x22
	TopicAlias                      uint16              // 0x23
	MaximumQoS                      *uint8              // 0x24
	RetainAvailable                 *uint8              // 0x25
	UserProperty                    map[string][]string // 0x26
	MaximumPacketSize               uint32              // 0x27
	WildcardSubscriptionAvailable   *uint8              // 0x28
	SubscriptionIdentifierAvailable *uint8              // 0x29
	SharedSubscriptionAvailable     *uint8              // 0x2A
}

// Ptr returns a pointer to v, for the optional pointer-typed properties.
func Ptr[T any](v T) *T { return &v }

// propsWill is the pseudo kind used for the will properties inside CONNECT.
const propsWill byte = 0x10

type property struct {
	id    byte
	name  string
	kinds []byte
	// put writes the value (without id) and reports whether it was present.
	put func(p *Properties, e *Encoder) bool
	get func(p *Properties, d *Decoder) error
}

func putByte(v *uint8, e *Encoder) bool {
	if v == nil {
		return false
	}
	e.PutByte(*v)
	return true
}

func getBool(d *Decoder) (*uint8, error) {
	b, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	if b > 1 {
		return nil, protocolErr("property value must be 0 or 1, got %d", b)
	}
	return &b, nil
}

var propertyTable = []property{
	{0x01, "PayloadFormatIndicator", []byte{0x3, propsWill},
		func(p *Properties, e *Encoder) bool {
			if p.PayloadFormatIndicator == 0 {
				return false
			}
			e.PutByte(p.PayloadFormatIndicator)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.PayloadFormatIndicator, err = d.ReadByte()
			if err == nil && p.PayloadFormatIndicator > 1 {
				return protocolErr("invalid payload format indicator %d", p.PayloadFormatIndicator)
			}
			return err
		}},
	{0x02, "MessageExpiryInterval", []byte{0x3, propsWill},
		func(p *Properties, e *Encoder) bool {
			if p.MessageExpiryInterval == 0 {
				return false
			}
			e.PutUint32(p.MessageExpiryInterval)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.MessageExpiryInterval, err = d.ReadUint32()
			return err
		}},
	{0x03, "ContentType", []byte{0x3, propsWill},
		func(p *Properties, e *Encoder) bool {
			if p.ContentType == "" {
				return false
			}
			e.PutString(p.ContentType)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.ContentType, err = d.ReadString()
			return err
		}},
	{0x08, "ResponseTopic", []byte{0x3, propsWill},
		func(p *Properties, e *Encoder) bool {
			if p.ResponseTopic == "" {
				return false
			}
			e.PutString(p.ResponseTopic)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.ResponseTopic, err = d.ReadString()
			return err
		}},
	{0x09, "CorrelationData", []byte{0x3, propsWill},
		func(p *Properties, e *Encoder) bool {
			if len(p.CorrelationData) == 0 {
				return false
			}
			e.PutBinary(p.CorrelationData)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.CorrelationData, err = d.ReadBinary()
			return err
		}},
	{0x0B, "SubscriptionIdentifier", []byte{0x3, 0x8},
		func(p *Properties, e *Encoder) bool {
			if p.SubscriptionIdentifier == 0 {
				return false
			}
			e.PutVarInt(p.SubscriptionIdentifier)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.SubscriptionIdentifier, err = d.ReadVarInt()
			if err == nil && p.SubscriptionIdentifier == 0 {
				return protocolErr("subscription identifier must be non-zero")
			}
			return err
		}},
	{0x11, "SessionExpiryInterval", []byte{0x1, 0x2, 0xE},
		func(p *Properties, e *Encoder) bool {
			if p.SessionExpiryInterval == 0 {
				return false
			}
			e.PutUint32(p.SessionExpiryInterval)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.SessionExpiryInterval, err = d.ReadUint32()
			return err
		}},
	{0x12, "AssignedClientIdentifier", []byte{0x2},
		func(p *Properties, e *Encoder) bool {
			if p.AssignedClientIdentifier == "" {
				return false
			}
			e.PutString(p.AssignedClientIdentifier)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.AssignedClientIdentifier, err = d.ReadString()
			return err
		}},
	{0x13, "ServerKeepAlive", []byte{0x2},
		func(p *Properties, e *Encoder) bool {
			if p.ServerKeepAlive == nil {
				return false
			}
			e.PutUint16(*p.ServerKeepAlive)
			return true
		},
		func(p *Properties, d *Decoder) error {
			v, err := d.ReadUint16()
			p.ServerKeepAlive = &v
			return err
		}},
	{0x15, "AuthenticationMethod", []byte{0x1, 0x2, 0xF},
		func(p *Properties, e *Encoder) bool {
			if p.AuthenticationMethod == "" {
				return false
			}
			e.PutString(p.AuthenticationMethod)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.AuthenticationMethod, err = d.ReadString()
			return err
		}},
	{0x16, "AuthenticationData", []byte{0x1, 0x2, 0xF},
		func(p *Properties, e *Encoder) bool {
			if len(p.AuthenticationData) == 0 {
				return false
			}
			e.PutBinary(p.AuthenticationData)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.AuthenticationData, err = d.ReadBinary()
			return err
		}},
	{0x17, "RequestProblemInformation", []byte{0x1},
		func(p *Properties, e *Encoder) bool { return putByte(p.RequestProblemInformation, e) },
		func(p *Properties, d *Decoder) (err error) {
			p.RequestProblemInformation, err = getBool(d)
			return err
		}},
	{0x18, "WillDelayInterval", []byte{propsWill},
		func(p *Properties, e *Encoder) bool {
			if p.WillDelayInterval == 0 {
				return false
			}
			e.PutUint32(p.WillDelayInterval)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.WillDelayInterval, err = d.ReadUint32()
			return err
		}},
	{0x19, "RequestResponseInformation", []byte{0x1},
		func(p *Properties, e *Encoder) bool {
			if p.RequestResponseInformation == 0 {
				return false
			}
			e.PutByte(p.RequestResponseInformation)
			return true
		},
		func(p *Properties, d *Decoder) error {
			v, err := getBool(d)
			if err == nil {
				p.RequestResponseInformation = *v
			}
			return err
		}},
	{0x1A, "ResponseInformation", []byte{0x2},
		func(p *Properties, e *Encoder) bool {
			if p.ResponseInformation == "" {
				return false
			}
			e.PutString(p.ResponseInformation)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.ResponseInformation, err = d.ReadString()
			return err
		}},
	{0x1C, "ServerReference", []byte{0x2, 0xE},
		func(p *Properties, e *Encoder) bool {
			if p.ServerReference == "" {
				return false
			}
			e.PutString(p.ServerReference)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.ServerReference, err = d.ReadString()
			return err
		}},
	{0x1F, "ReasonString", []byte{0x2, 0x4, 0x5, 0x6, 0x7, 0x9, 0xB, 0xE, 0xF},
		func(p *Properties, e *Encoder) bool {
			if p.ReasonString == "" {
				return false
			}
			e.PutString(p.ReasonString)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.ReasonString, err = d.ReadString()
			return err
		}},
	{0x21, "ReceiveMaximum", []byte{0x1, 0x2},
		func(p *Properties, e *Encoder) bool {
			if p.ReceiveMaximum == 0 {
				return false
			}
			e.PutUint16(p.ReceiveMaximum)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.ReceiveMaximum, err = d.ReadUint16()
			if err == nil && p.ReceiveMaximum == 0 {
				return protocolErr("receive maximum must be non-zero")
			}
			return err
		}},
	{0x22, "TopicAliasMaximum", []byte{0x1, 0x2},
		func(p *Properties, e *Encoder) bool {
			if p.TopicAliasMaximum == 0 {
				return false
			}
			e.PutUint16(p.TopicAliasMaximum)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.TopicAliasMaximum, err = d.ReadUint16()
			return err
		}},
	{0x23, "TopicAlias", []byte{0x3},
		func(p *Properties, e *Encoder) bool {
			if p.TopicAlias == 0 {
				return false
			}
			e.PutUint16(p.TopicAlias)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.TopicAlias, err = d.ReadUint16()
			if err == nil && p.TopicAlias == 0 {
				return protocolErr("topic alias must be non-zero")
			}
			return err
		}},
	{0x24, "MaximumQoS", []byte{0x2},
		func(p *Properties, e *Encoder) bool { return putByte(p.MaximumQoS, e) },
		func(p *Properties, d *Decoder) (err error) {
			p.MaximumQoS, err = getBool(d)
			return err
		}},
	{0x25, "RetainAvailable", []byte{0x2},
		func(p *Properties, e *Encoder) bool { return putByte(p.RetainAvailable, e) },
		func(p *Properties, d *Decoder) (err error) {
			p.RetainAvailable, err = getBool(d)
			return err
		}},
	{0x26, "UserProperty", []byte{0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8, 0x9, 0xA, 0xB, 0xE, 0xF, propsWill},
		nil, // written pair by pair in encodeProperties
		func(p *Properties, d *Decoder) error {
			k, err := d.ReadString()
			if err != nil {
				return err
			}
			v, err := d.ReadString()
			if err != nil {
				return err
			}
			if p.UserProperty == nil {
				p.UserProperty = make(map[string][]string)
			}
			p.UserProperty[k] = append(p.UserProperty[k], v)
			return nil
		}},
	{0x27, "MaximumPacketSize", []byte{0x1, 0x2},
		func(p *Properties, e *Encoder) bool {
			if p.MaximumPacketSize == 0 {
				return false
			}
			e.PutUint32(p.MaximumPacketSize)
			return true
		},
		func(p *Properties, d *Decoder) (err error) {
			p.MaximumPacketSize, err = d.ReadUint32()
			if err == nil && p.MaximumPacketSize == 0 {
				return protocolErr("maximum packet size must be non-zero")
			}
			return err
		}},
	{0x28, "WildcardSubscriptionAvailable", []byte{0x2},
		func(p *Properties, e *Encoder) bool { return putByte(p.WildcardSubscriptionAvailable, e) },
		func(p *Properties, d *Decoder) (err error) {
			p.WildcardSubscriptionAvailable, err = getBool(d)
			return err
		}},
	{0x29, "SubscriptionIdentifierAvailable", []byte{0x2},
		func(p *Properties, e *Encoder) bool { return putByte(p.SubscriptionIdentifierAvailable, e) },
		func(p *Properties, d *Decoder) (err error) {
			p.SubscriptionIdentifierAvailable, err = getBool(d)
			return err
		}},
	{0x2A, "SharedSubscriptionAvailable", []byte{0x2},
		func(p *Properties, e *Encoder) bool { return putByte(p.SharedSubscriptionAvailable, e) },
		func(p *Properties, d *Decoder) (err error) {
			p.SharedSubscriptionAvailable, err = getBool(d)
			return err
		}},
}

const propUserProperty = 0x26

var propertyByID = func() map[byte]*property {
	m := make(map[byte]*property, len(propertyTable))
	for i := range propertyTable {
		m[propertyTable[i].id] = &propertyTable[i]
	}
	return m
}()

func (prop *property) allowed(kind byte) bool {
	return slices.Contains(prop.kinds, kind)
}

// encodeProperties writes the length prefixed property block for kind.
// A nil p encodes as an empty block.
func encodeProperties(e *Encoder, kind byte, p *Properties) {
	if p == nil {
		e.PutVarInt(0)
		return
	}
	body := NewEncoder()
	for i := range propertyTable {
		prop := &propertyTable[i]
		if prop.id == propUserProperty {
			if len(p.UserProperty) == 0 {
				continue
			}
			if !prop.allowed(kind) {
				e.Fail(encodeErr("property %s not allowed", prop.name))
				return
			}
			for _, k := range slices.Sorted(maps.Keys(p.UserProperty)) {
				for _, v := range p.UserProperty[k] {
					body.PutByte(prop.id)
					body.PutString(k)
					body.PutString(v)
				}
			}
			continue
		}
		mark := body.Len()
		body.PutByte(prop.id)
		if !prop.put(p, body) {
			body.buf = body.buf[:mark]
			continue
		}
		if !prop.allowed(kind) {
			e.Fail(encodeErr("property %s not allowed", prop.name))
			return
		}
	}
	if err := body.Err(); err != nil {
		e.Fail(err)
		return
	}
	e.PutVarInt(uint32(body.Len()))
	e.PutRaw(body.Bytes())
}

// decodeProperties reads a length prefixed property block for kind.
// An empty block yields nil.
func decodeProperties(d *Decoder, kind byte) (*Properties, error) {
	n, err := d.ReadVarInt()
	if err != nil {
		return nil, err
	}
	sub, err := d.Sub(int(n))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	p := &Properties{}
	seen := make(map[byte]bool)
	for sub.Remaining() > 0 {
		id, err := sub.ReadVarInt()
		if err != nil {
			return nil, err
		}
		prop, ok := propertyByID[byte(id)]
		if !ok || id > 0xFF {
			return nil, malformed("unknown property 0x%02x", id)
		}
		if !prop.allowed(kind) {
			return nil, protocolErr("property %s not allowed", prop.name)
		}
		if seen[prop.id] && prop.id != propUserProperty {
			return nil, protocolErr("duplicate property %s", prop.name)
		}
		seen[prop.id] = true
		if err := prop.get(p, sub); err != nil {
			return nil, err
		}
	}
	return p, nil
}
