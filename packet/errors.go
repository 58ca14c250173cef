package packet

import (
	"errors"
	"fmt"
)

// ReasonCode MQTT 原因码/返回码
//
// MQTT v3.1.1: 参考章节 3.2.2.3 Connect Return code, 3.9.3 SUBACK Payload
// - CONNACK 返回码 0x00-0x05, SUBACK 失败码 0x80
//
// MQTT v5.0: 参考章节 2.4 Reason Code
// - 单字节无符号值, 小于 0x80 表示成功, 大于等于 0x80 表示失败
//
// ReasonCode 实现了 error 接口, 解码错误通过 Unwrap 暴露对应的原因码.
type ReasonCode byte

func (rc ReasonCode) Error() string {
	return fmt.Sprintf("mqtt: 0x%02x %s", byte(rc), rc.String())
}

func (rc ReasonCode) String() string {
	if s, ok := reasonNames[rc]; ok {
		return s
	}
	return "unknown reason code"
}

// Failed reports whether the code signals failure (0x80 and above).
func (rc ReasonCode) Failed() bool {
	return rc >= 0x80
}

// MQTT v3.1.1 CONNACK return codes. 参考章节 3.2.2.3
const (
	CodeAccepted                    ReasonCode = 0x00
	Err3UnacceptableProtocolVersion ReasonCode = 0x01
	Err3IdentifierRejected          ReasonCode = 0x02
	Err3ServerUnavailable           ReasonCode = 0x03
	Err3BadUsernameOrPassword       ReasonCode = 0x04
	Err3NotAuthorized               ReasonCode = 0x05
	SubackFailure                   ReasonCode = 0x80 // v3.1.1 SUBACK 订阅失败
)

// MQTT v5.0 reason codes. 参考章节 2.4
const (
	CodeSuccess                            ReasonCode = 0x00
	CodeGrantedQos1                        ReasonCode = 0x01
	CodeGrantedQos2                        ReasonCode = 0x02
	CodeDisconnectWillMessage              ReasonCode = 0x04
	CodeNoMatchingSubscribers              ReasonCode = 0x10
	CodeNoSubscriptionExisted              ReasonCode = 0x11
	CodeContinueAuthentication             ReasonCode = 0x18
	CodeReAuthenticate                     ReasonCode = 0x19
	ErrUnspecifiedError                    ReasonCode = 0x80
	ErrMalformedPacket                     ReasonCode = 0x81
	ErrProtocolErr                         ReasonCode = 0x82
	ErrImplementationSpecificError         ReasonCode = 0x83
	ErrUnsupportedProtocolVersion          ReasonCode = 0x84
	ErrClientIdentifierNotValid            ReasonCode = 0x85
	ErrBadUsernameOrPassword               ReasonCode = 0x86
	ErrNotAuthorized                       ReasonCode = 0x87
	ErrServerUnavailable                   ReasonCode = 0x88
	ErrServerBusy                          ReasonCode = 0x89
	ErrBanned                              ReasonCode = 0x8A
	ErrServerShuttingDown                  ReasonCode = 0x8B
	ErrBadAuthenticationMethod             ReasonCode = 0x8C
	ErrKeepAliveTimeout                    ReasonCode = 0x8D
	ErrSessionTakenOver                    ReasonCode = 0x8E
	ErrTopicFilterInvalid                  ReasonCode = 0x8F
	ErrTopicNameInvalid                    ReasonCode = 0x90
	ErrPacketIdentifierInUse               ReasonCode = 0x91
	ErrPacketIdentifierNotFound            ReasonCode = 0x92
	ErrReceiveMaximum                      ReasonCode = 0x93
	ErrTopicAliasInvalid                   ReasonCode = 0x94
	ErrPacketTooLarge                      ReasonCode = 0x95
	ErrMessageRateTooHigh                  ReasonCode = 0x96
	ErrQuotaExceeded                       ReasonCode = 0x97
	ErrAdministrativeAction                ReasonCode = 0x98
	ErrPayloadFormatInvalid                ReasonCode = 0x99
	ErrRetainNotSupported                  ReasonCode = 0x9A
	ErrQosNotSupported                     ReasonCode = 0x9B
	ErrUseAnotherServer                    ReasonCode = 0x9C
	ErrServerMoved                         ReasonCode = 0x9D
	ErrSharedSubscriptionsNotSupported     ReasonCode = 0x9E
	ErrConnectionRateExceeded              ReasonCode = 0x9F
	ErrMaxConnectTime                      ReasonCode = 0xA0
	ErrSubscriptionIdentifiersNotSupported ReasonCode = 0xA1
	ErrWildcardSubscriptionsNotSupported   ReasonCode = 0xA2
)

var reasonNames = map[ReasonCode]string{
	CodeSuccess:                            "success",
	CodeGrantedQos1:                        "granted qos 1",
	CodeGrantedQos2:                        "granted qos 2",
	0x03:                                   "server unavailable",
	CodeDisconnectWillMessage:              "disconnect with will message",
	0x05:                                   "not authorized",
	CodeNoMatchingSubscribers:              "no matching subscribers",
	CodeNoSubscriptionExisted:              "no subscription existed",
	CodeContinueAuthentication:             "continue authentication",
	CodeReAuthenticate:                     "re-authenticate",
	ErrUnspecifiedError:                    "unspecified error",
	ErrMalformedPacket:                     "malformed packet",
	ErrProtocolErr:                         "protocol error",
	ErrImplementationSpecificError:         "implementation specific error",
	ErrUnsupportedProtocolVersion:          "unsupported protocol version",
	ErrClientIdentifierNotValid:            "client identifier not valid",
	ErrBadUsernameOrPassword:               "bad username or password",
	ErrNotAuthorized:                       "not authorized",
	ErrServerUnavailable:                   "server unavailable",
	ErrServerBusy:                          "server busy",
	ErrBanned:                              "banned",
	ErrServerShuttingDown:                  "server shutting down",
	ErrBadAuthenticationMethod:             "bad authentication method",
	ErrKeepAliveTimeout:                    "keep alive timeout",
	ErrSessionTakenOver:                    "session taken over",
	ErrTopicFilterInvalid:                  "topic filter invalid",
	ErrTopicNameInvalid:                    "topic name invalid",
	ErrPacketIdentifierInUse:               "packet identifier in use",
	ErrPacketIdentifierNotFound:            "packet identifier not found",
	ErrReceiveMaximum:                      "receive maximum exceeded",
	ErrTopicAliasInvalid:                   "topic alias invalid",
	ErrPacketTooLarge:                      "packet too large",
	ErrMessageRateTooHigh:                  "message rate too high",
	ErrQuotaExceeded:                       "quota exceeded",
	ErrAdministrativeAction:                "administrative action",
	ErrPayloadFormatInvalid:                "payload format invalid",
	ErrRetainNotSupported:                  "retain not supported",
	ErrQosNotSupported:                     "qos not supported",
	ErrUseAnotherServer:                    "use another server",
	ErrServerMoved:                         "server moved",
	ErrSharedSubscriptionsNotSupported:     "shared subscriptions not supported",
	ErrConnectionRateExceeded:              "connection rate exceeded",
	ErrMaxConnectTime:                      "maximum connect time",
	ErrSubscriptionIdentifiersNotSupported: "subscription identifiers not supported",
	ErrWildcardSubscriptionsNotSupported:   "wildcard subscriptions not supported",
}

// v3ConnackText v3.1.1 CONNACK 返回码描述, 与 v5 同值码含义不同.
var v3ConnackText = map[ReasonCode]string{
	CodeAccepted:                    "connection accepted",
	Err3UnacceptableProtocolVersion: "unacceptable protocol version",
	Err3IdentifierRejected:          "identifier rejected",
	Err3ServerUnavailable:           "server unavailable",
	Err3BadUsernameOrPassword:       "bad user name or password",
	Err3NotAuthorized:               "not authorized",
}

func codeSet(codes ...ReasonCode) map[ReasonCode]bool {
	m := make(map[ReasonCode]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// 各报文允许出现的原因码 (MQTT v5.0 各报文章节).
var (
	connackCodesV3 = codeSet(0x00, 0x01, 0x02, 0x03, 0x04, 0x05)
	connackCodesV5 = codeSet(0x00, 0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88, 0x89, 0x8A,
		0x8C, 0x90, 0x95, 0x97, 0x99, 0x9A, 0x9B, 0x9C, 0x9D, 0x9F)
	pubackCodes     = codeSet(0x00, 0x10, 0x80, 0x83, 0x87, 0x90, 0x91, 0x97, 0x99)
	pubrelCodes     = codeSet(0x00, 0x92)
	subackCodesV3   = codeSet(0x00, 0x01, 0x02, 0x80)
	subackCodesV5   = codeSet(0x00, 0x01, 0x02, 0x80, 0x83, 0x87, 0x8F, 0x91, 0x97, 0x9E, 0xA1, 0xA2)
	unsubackCodes   = codeSet(0x00, 0x11, 0x80, 0x83, 0x87, 0x8F, 0x91)
	disconnectCodes = codeSet(0x00, 0x04, 0x80, 0x81, 0x82, 0x83, 0x87, 0x89, 0x8B, 0x8D, 0x8E, 0x8F,
		0x90, 0x93, 0x94, 0x95, 0x96, 0x97, 0x98, 0x99, 0x9A, 0x9B, 0x9C, 0x9D, 0x9E, 0x9F, 0xA0, 0xA1, 0xA2)
	authCodes = codeSet(0x00, 0x18, 0x19)
)

// ConnackText returns the human readable meaning of a CONNACK code for the given protocol level.
func ConnackText(version byte, rc ReasonCode) string {
	if version < VERSION500 {
		if s, ok := v3ConnackText[rc]; ok {
			return s
		}
	}
	return rc.String()
}

// Reasons reported by the decoder for structural failures.
const (
	ReasonTooShort = "packet too short"
	ReasonTooLong  = "packet too long"
	ReasonLength   = "length decoding failed"
	ReasonTooLarge = "packet too large"
)

// ErrUnexpectedEOF is returned when the stream ends in the middle of a packet
// or before the first byte of the next one.
var ErrUnexpectedEOF = errors.New("mqtt: unexpected end of stream")

// ErrClosed is returned by operations on a closed Framer.
var ErrClosed = errors.New("mqtt: framer closed")

// DecoderError describes a malformed or illegal inbound packet.
// The connection that produced it must be closed.
type DecoderError struct {
	Kind   byte       // packet type being decoded, 0 when not known yet
	Reason string     // what was wrong
	Code   ReasonCode // reason code a v5 peer would report
}

func (e *DecoderError) Error() string {
	if e.Kind != 0 {
		return fmt.Sprintf("mqtt: decode %s: %s", kindName(e.Kind), e.Reason)
	}
	return "mqtt: decode: " + e.Reason
}

func (e *DecoderError) Unwrap() error { return e.Code }

// EncoderError describes an outbound packet that cannot be represented on the wire.
// The connection stays usable.
type EncoderError struct {
	Kind   byte
	Reason string
}

func (e *EncoderError) Error() string {
	if e.Kind != 0 {
		return fmt.Sprintf("mqtt: encode %s: %s", kindName(e.Kind), e.Reason)
	}
	return "mqtt: encode: " + e.Reason
}

func malformed(format string, args ...any) error {
	return &DecoderError{Reason: fmt.Sprintf(format, args...), Code: ErrMalformedPacket}
}

func protocolErr(format string, args ...any) error {
	return &DecoderError{Reason: fmt.Sprintf(format, args...), Code: ErrProtocolErr}
}

func encodeErr(format string, args ...any) error {
	return &EncoderError{Reason: fmt.Sprintf(format, args...)}
}

// withKind stamps the packet type onto codec errors raised by shared helpers.
func withKind(err error, kind byte) error {
	var de *DecoderError
	if errors.As(err, &de) && de.Kind == 0 {
		de.Kind = kind
	}
	var ee *EncoderError
	if errors.As(err, &ee) && ee.Kind == 0 {
		ee.Kind = kind
	}
	return err
}
