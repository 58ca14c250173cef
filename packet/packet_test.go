package packet

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, version byte, pkt Packet) {
	t.Helper()
	b, err := Encode(version, pkt)
	if err != nil {
		t.Fatalf("Encode(%T) error: %v", pkt, err)
	}
	got, err := Decode(version, b)
	if err != nil {
		t.Fatalf("Decode(%T) error: %v, bytes=% x", pkt, err, b)
	}
	if !reflect.DeepEqual(got, pkt) {
		t.Errorf("round trip mismatch:\n got  %#v\n want %#v", got, pkt)
	}
}

func TestRoundTripV311(t *testing.T) {
	for _, pkt := range []Packet{
		&CONNECT{Version: VERSION311, CleanSession: true, KeepAlive: 60, ClientID: "c1"},
		&CONNECT{Version: VERSION311, KeepAlive: 10, ClientID: "c2", Username: "u", Password: []byte("p"),
			Will: &Will{Topic: "w/t", Payload: []byte("bye"), QoS: 1, Retain: true}},
		&CONNECT{Version: VERSION311, CleanSession: true, Username: "only"},
		&CONNACK{SessionPresent: true},
		&CONNACK{ReturnCode: Err3NotAuthorized},
		&PUBLISH{Topic: "a/b", Payload: []byte("hello")},
		&PUBLISH{Topic: "a/b", QoS: 1, PacketID: 1, Retain: true, Payload: []byte{0}},
		&PUBLISH{Topic: "a", QoS: 2, PacketID: 65535, Dup: true},
		&PUBACK{PacketID: 1},
		&PUBREC{PacketID: 2},
		&PUBREL{PacketID: 3},
		&PUBCOMP{PacketID: 4},
		&SUBSCRIBE{PacketID: 5, Subscriptions: []Subscription{{TopicFilter: "a/+", MaximumQoS: 1}, {TopicFilter: "#", MaximumQoS: 2}}},
		&SUBACK{PacketID: 5, ReasonCodes: []ReasonCode{CodeGrantedQos1, SubackFailure}},
		&UNSUBSCRIBE{PacketID: 6, TopicFilters: []string{"a/+", "b"}},
		&UNSUBACK{PacketID: 6},
		&PINGREQ{},
		&PINGRESP{},
		&DISCONNECT{},
	} {
		roundTrip(t, VERSION311, pkt)
	}
}

func TestRoundTripV5(t *testing.T) {
	for _, pkt := range []Packet{
		&CONNECT{Version: VERSION500, CleanSession: true, KeepAlive: 30, ClientID: "c1",
			Props: &Properties{SessionExpiryInterval: 120, ReceiveMaximum: 10, RequestProblemInformation: Ptr[uint8](0),
				UserProperty: map[string][]string{"k": {"v1", "v2"}}},
			Will: &Will{Topic: "w", Payload: []byte("x"), Props: &Properties{WillDelayInterval: 5, ContentType: "text/plain"}}},
		&CONNECT{Version: VERSION500, CleanSession: true, Password: []byte("secret")},
		&CONNACK{Props: &Properties{AssignedClientIdentifier: "gen-1", MaximumQoS: Ptr[uint8](1), ServerKeepAlive: Ptr[uint16](0)}},
		&CONNACK{ReturnCode: ErrBadUsernameOrPassword},
		&PUBLISH{Topic: "a", QoS: 1, PacketID: 7, Payload: []byte("p"),
			Props: &Properties{MessageExpiryInterval: 60, ResponseTopic: "r", CorrelationData: []byte{1, 2}, PayloadFormatIndicator: 1}},
		&PUBLISH{QoS: 0, Props: &Properties{TopicAlias: 3}, Payload: []byte("aliased")},
		&PUBACK{PacketID: 1},
		&PUBACK{PacketID: 1, ReasonCode: CodeNoMatchingSubscribers},
		&PUBREC{PacketID: 2, ReasonCode: ErrQuotaExceeded, Props: &Properties{ReasonString: "full"}},
		&PUBREL{PacketID: 3, ReasonCode: ErrPacketIdentifierNotFound},
		&PUBCOMP{PacketID: 4},
		&SUBSCRIBE{PacketID: 5, Props: &Properties{SubscriptionIdentifier: 268435455},
			Subscriptions: []Subscription{{TopicFilter: "a", MaximumQoS: 2, NoLocal: true, RetainAsPublished: true, RetainHandling: 2}}},
		&SUBACK{PacketID: 5, ReasonCodes: []ReasonCode{CodeGrantedQos2, ErrNotAuthorized}},
		&UNSUBSCRIBE{PacketID: 6, TopicFilters: []string{"a"}},
		&UNSUBACK{PacketID: 6, ReasonCodes: []ReasonCode{CodeSuccess, CodeNoSubscriptionExisted}},
		&DISCONNECT{},
		&DISCONNECT{ReasonCode: CodeDisconnectWillMessage},
		&DISCONNECT{ReasonCode: ErrServerShuttingDown, Props: &Properties{ServerReference: "other"}},
		&AUTH{ReasonCode: CodeContinueAuthentication, Props: &Properties{AuthenticationMethod: "SCRAM", AuthenticationData: []byte("d")}},
		&AUTH{},
	} {
		roundTrip(t, VERSION500, pkt)
	}
}

func TestEncodeBytes(t *testing.T) {
	for _, tt := range []struct {
		name    string
		version byte
		pkt     Packet
		want    []byte
	}{
		{"pingreq", VERSION311, &PINGREQ{}, []byte{0xC0, 0x00}},
		{"disconnect v5 success", VERSION500, &DISCONNECT{}, []byte{0xE0, 0x00}},
		{"puback v5 success", VERSION500, &PUBACK{PacketID: 0x0102}, []byte{0x40, 0x02, 0x01, 0x02}},
		{"puback v5 code", VERSION500, &PUBACK{PacketID: 1, ReasonCode: ErrNotAuthorized}, []byte{0x40, 0x03, 0x00, 0x01, 0x87}},
		{"pubrel flags", VERSION311, &PUBREL{PacketID: 1}, []byte{0x62, 0x02, 0x00, 0x01}},
		{"subscribe flags", VERSION311, &SUBSCRIBE{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a", MaximumQoS: 1}}},
			[]byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x01}},
		{"publish qos1 retain", VERSION311, &PUBLISH{Topic: "t", QoS: 1, Retain: true, PacketID: 10, Payload: []byte("x")},
			[]byte{0x33, 0x06, 0x00, 0x01, 't', 0x00, 0x0A, 'x'}},
		{"connect v311", VERSION311, &CONNECT{CleanSession: true, KeepAlive: 60, ClientID: "id"},
			[]byte{0x10, 0x0E, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02, 0x00, 0x3C, 0x00, 0x02, 'i', 'd'}},
		{"connect v31", VERSION310, &CONNECT{CleanSession: true, ClientID: "id"},
			[]byte{0x10, 0x10, 0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p', 0x03, 0x02, 0x00, 0x00, 0x00, 0x02, 'i', 'd'}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.version, tt.pkt)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = % x, want % x", got, tt.want)
			}
		})
	}
}

func decodeErr(t *testing.T, version byte, b []byte) *DecoderError {
	t.Helper()
	pkt, err := Decode(version, b)
	if err == nil {
		t.Fatalf("Decode(% x) = %#v, want error", b, pkt)
	}
	var de *DecoderError
	if !errors.As(err, &de) {
		t.Fatalf("Decode(% x) error %T %v, want *DecoderError", b, err, err)
	}
	return de
}

func TestDecodeErrors(t *testing.T) {
	for _, tt := range []struct {
		name    string
		version byte
		b       []byte
		reason  string
		code    ReasonCode
	}{
		{"body shorter than length", VERSION311, []byte{0x40, 0x02, 0x00}, ReasonTooShort, ErrMalformedPacket},
		{"puback trailing byte", VERSION311, []byte{0x40, 0x03, 0x00, 0x01, 0x00}, ReasonTooLong, ErrMalformedPacket},
		{"field past end", VERSION311, []byte{0x40, 0x01, 0x00}, ReasonTooShort, ErrMalformedPacket},
		{"five byte length", VERSION311, []byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}, ReasonLength, ErrMalformedPacket},
		{"bytes after packet", VERSION311, []byte{0xC0, 0x00, 0x00}, ReasonTooLong, ErrMalformedPacket},
	} {
		t.Run(tt.name, func(t *testing.T) {
			de := decodeErr(t, tt.version, tt.b)
			if de.Reason != tt.reason || de.Code != tt.code {
				t.Errorf("got reason=%q code=%v, want %q %v", de.Reason, de.Code, tt.reason, tt.code)
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	for _, tt := range []struct {
		name    string
		version byte
		b       []byte
	}{
		{"reserved type 0", VERSION311, []byte{0x00, 0x00}},
		{"auth on v311", VERSION311, []byte{0xF0, 0x00}},
		{"pubrel bad flags", VERSION311, []byte{0x60, 0x02, 0x00, 0x01}},
		{"subscribe bad flags", VERSION311, []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x00}},
		{"unsubscribe bad flags", VERSION311, []byte{0xA0, 0x05, 0x00, 0x01, 0x00, 0x01, 'a'}},
		{"pingreq flags", VERSION311, []byte{0xC1, 0x00}},
		{"publish qos 3", VERSION311, []byte{0x36, 0x05, 0x00, 0x01, 't', 0x00, 0x01}},
		{"publish dup qos 0", VERSION311, []byte{0x38, 0x03, 0x00, 0x01, 't'}},
		{"publish wildcard topic", VERSION311, []byte{0x30, 0x03, 0x00, 0x01, '#'}},
		{"publish empty topic v311", VERSION311, []byte{0x30, 0x02, 0x00, 0x00}},
		{"publish zero id", VERSION311, []byte{0x32, 0x05, 0x00, 0x01, 't', 0x00, 0x00}},
		{"puback zero id", VERSION311, []byte{0x40, 0x02, 0x00, 0x00}},
		{"subscribe no filters", VERSION311, []byte{0x82, 0x02, 0x00, 0x01}},
		{"subscribe qos 3", VERSION311, []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x03}},
		{"subscribe reserved bits v311", VERSION311, []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x04}},
		{"subscribe bad filter", VERSION311, []byte{0x82, 0x07, 0x00, 0x01, 0x00, 0x02, 'a', '#', 0x00}},
		{"suback bad code", VERSION311, []byte{0x90, 0x03, 0x00, 0x01, 0x03}},
		{"connack bad flags", VERSION311, []byte{0x20, 0x02, 0x02, 0x00}},
		{"connack bad code", VERSION311, []byte{0x20, 0x02, 0x00, 0x06}},
		{"connect reserved flag", VERSION311, []byte{0x10, 0x0C, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x03, 0x00, 0x00, 0x00, 0x00}},
		{"connect bad name", VERSION311, []byte{0x10, 0x0C, 0x00, 0x04, 'M', 'Q', 'T', 'X', 0x04, 0x02, 0x00, 0x00, 0x00, 0x00}},
		{"connect will qos without will", VERSION311, []byte{0x10, 0x0C, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x0A, 0x00, 0x00, 0x00, 0x00}},
		{"connect will qos 3", VERSION311, []byte{0x10, 0x0C, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x1E, 0x00, 0x00, 0x00, 0x00}},
		{"connect password without username", VERSION311, []byte{0x10, 0x0C, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x42, 0x00, 0x00, 0x00, 0x00}},
		{"connect empty id not clean", VERSION311, []byte{0x10, 0x0C, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"invalid utf-8", VERSION311, []byte{0x30, 0x03, 0x00, 0x01, 0xFF}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			decodeErr(t, tt.version, tt.b)
		})
	}
}

func TestDecodeProperties(t *testing.T) {
	for _, tt := range []struct {
		name string
		b    []byte
		code ReasonCode
	}{
		// PUBACK id=1 rc=0 props...
		{"unknown property", []byte{0x40, 0x06, 0x00, 0x01, 0x00, 0x02, 0x7F, 0x00}, ErrMalformedPacket},
		{"not allowed in packet", []byte{0x40, 0x07, 0x00, 0x01, 0x00, 0x03, 0x23, 0x00, 0x01}, ErrProtocolErr},
		{"duplicate property", []byte{0x40, 0x0A, 0x00, 0x01, 0x00, 0x06, 0x1F, 0x00, 0x00, 0x1F, 0x00, 0x00}, ErrProtocolErr},
		{"block past end", []byte{0x40, 0x05, 0x00, 0x01, 0x00, 0x05, 0x1F}, ErrMalformedPacket},
		{"bad reason code", []byte{0x40, 0x03, 0x00, 0x01, 0x05}, ErrProtocolErr},
	} {
		t.Run(tt.name, func(t *testing.T) {
			de := decodeErr(t, VERSION500, tt.b)
			if de.Code != tt.code {
				t.Errorf("code = %v, want %v (%v)", de.Code, tt.code, de)
			}
			if !errors.Is(de, tt.code) {
				t.Error("errors.Is should see the reason code")
			}
		})
	}
}

func TestUserPropertyRepeats(t *testing.T) {
	// PUBACK id=1 rc=0 two UserProperty pairs with the same key
	b := []byte{0x40, 0x10, 0x00, 0x01, 0x00, 0x0C,
		0x26, 0x00, 0x01, 'k', 0x00, 0x01, '1',
		0x26, 0x00, 0x01, 'k'}
	b = append(b, 0x00, 0x01, '2')
	b[1] = byte(len(b) - 2)
	b[5] = byte(len(b) - 6)
	pkt, err := Decode(VERSION500, b)
	if err != nil {
		t.Fatal(err)
	}
	got := pkt.(*PUBACK).Props.UserProperty["k"]
	if !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Errorf("UserProperty[k] = %v", got)
	}
}

func TestV5AckShortForms(t *testing.T) {
	pkt, err := Decode(VERSION500, []byte{0x50, 0x03, 0x00, 0x09, 0x10})
	if err != nil {
		t.Fatal(err)
	}
	if rec := pkt.(*PUBREC); rec.PacketID != 9 || rec.ReasonCode != CodeNoMatchingSubscribers || rec.Props != nil {
		t.Errorf("got %#v", rec)
	}
	pkt, err = Decode(VERSION500, []byte{0x50, 0x04, 0x00, 0x09, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if rec := pkt.(*PUBREC); rec.ReasonCode != CodeSuccess || rec.Props != nil {
		t.Errorf("empty property block should decode as nil props, got %#v", rec)
	}
}

func TestEncodeErrors(t *testing.T) {
	for _, tt := range []struct {
		name    string
		version byte
		pkt     Packet
	}{
		{"publish qos 3", VERSION311, &PUBLISH{Topic: "a", QoS: 3, PacketID: 1}},
		{"publish missing id", VERSION311, &PUBLISH{Topic: "a", QoS: 1}},
		{"publish id on qos 0", VERSION311, &PUBLISH{Topic: "a", PacketID: 1}},
		{"publish dup qos 0", VERSION311, &PUBLISH{Topic: "a", Dup: true}},
		{"publish wildcard", VERSION311, &PUBLISH{Topic: "a/+"}},
		{"publish empty topic", VERSION311, &PUBLISH{}},
		{"subscribe empty", VERSION311, &SUBSCRIBE{PacketID: 1}},
		{"subscribe bad filter", VERSION311, &SUBSCRIBE{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a/#/b"}}}},
		{"subscribe zero id", VERSION311, &SUBSCRIBE{Subscriptions: []Subscription{{TopicFilter: "a"}}}},
		{"unsubscribe empty", VERSION311, &UNSUBSCRIBE{PacketID: 1}},
		{"puback zero id", VERSION311, &PUBACK{}},
		{"connect empty id", VERSION311, &CONNECT{}},
		{"connect will qos", VERSION311, &CONNECT{CleanSession: true, Will: &Will{Topic: "a", QoS: 3}}},
		{"connect will wildcard", VERSION311, &CONNECT{CleanSession: true, Will: &Will{Topic: "a/#"}}},
		{"auth on v311", VERSION311, &AUTH{}},
		{"string too long", VERSION311, &PUBLISH{Topic: string(make([]byte, 65536))}},
		{"property not allowed", VERSION500, &PUBACK{PacketID: 1, Props: &Properties{TopicAlias: 1}}},
		{"will property in connect", VERSION500, &CONNECT{CleanSession: true, Props: &Properties{WillDelayInterval: 1}}},
		{"invalid utf-8", VERSION311, &PUBLISH{Topic: "\xff"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.version, tt.pkt)
			var ee *EncoderError
			if !errors.As(err, &ee) {
				t.Fatalf("Encode() error = %v, want *EncoderError", err)
			}
		})
	}
}

func TestVarInt(t *testing.T) {
	for _, tt := range []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{MaxVarInt, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	} {
		got, err := AppendVarInt(nil, tt.v)
		if err != nil || !bytes.Equal(got, tt.want) {
			t.Errorf("AppendVarInt(%d) = % x, %v; want % x", tt.v, got, err, tt.want)
		}
		if VarIntSize(tt.v) != len(tt.want) {
			t.Errorf("VarIntSize(%d) = %d, want %d", tt.v, VarIntSize(tt.v), len(tt.want))
		}
		v, err := NewDecoder(tt.want).ReadVarInt()
		if err != nil || v != tt.v {
			t.Errorf("ReadVarInt(% x) = %d, %v", tt.want, v, err)
		}
	}
	if _, err := AppendVarInt(nil, MaxVarInt+1); err == nil {
		t.Error("AppendVarInt(MaxVarInt+1) should fail")
	}
}

func TestConnackText(t *testing.T) {
	if got := ConnackText(VERSION311, 0x05); got != "not authorized" {
		t.Errorf("ConnackText(v3, 5) = %q", got)
	}
	if got := ConnackText(VERSION311, 0x01); got != "unacceptable protocol version" {
		t.Errorf("ConnackText(v3, 1) = %q", got)
	}
	if got := ConnackText(VERSION500, ErrBanned); got != "banned" {
		t.Errorf("ConnackText(v5, 0x8A) = %q", got)
	}
}
