// Package mqtt 实现 MQTT 3.1.1 客户端与服务端 (broker) 会话.
//
// The wire format lives in package packet, topic matching in package topic
// and session state and routing in package persistence.
package mqtt

import (
	"errors"
	"fmt"

	"github.com/golang-io/opifex/packet"
)

// Control packet types. Position: byte 1, bits 7-4
const (
	RESERVED    byte = 0x0
	CONNECT     byte = 0x1
	CONNACK     byte = 0x2
	PUBLISH     byte = 0x3
	PUBACK      byte = 0x4
	PUBREC      byte = 0x5
	PUBREL      byte = 0x6
	PUBCOMP     byte = 0x7
	SUBSCRIBE   byte = 0x8
	SUBACK      byte = 0x9
	UNSUBSCRIBE byte = 0xA
	UNSUBACK    byte = 0xB
	PINGREQ     byte = 0xC
	PINGRESP    byte = 0xD
	DISCONNECT  byte = 0xE
	AUTH        byte = 0xF
)

// Broker lifecycle topics. The payload is the client identifier.
const (
	TopicConnect    = "$SYS/connect/clients"
	TopicDisconnect = "$SYS/disconnect/clients"
)

var (
	// ErrProtocolViolation is returned when a peer sends a packet that is
	// illegal in the current session state.
	ErrProtocolViolation = errors.New("mqtt: protocol violation")

	// ErrClientClosed rejects operations pending on a client that has shut down.
	ErrClientClosed = errors.New("mqtt: client closed")

	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrKeepAliveTimeout ends a connection whose PINGREQ went unanswered for a keepalive interval.
	ErrKeepAliveTimeout = errors.New("mqtt: keepalive timeout")

	ErrServerClosed = errors.New("mqtt: Server closed")
)

// ConnackError reports a CONNACK with a non-zero return code.
type ConnackError struct {
	Code packet.ReasonCode
}

func (e *ConnackError) Error() string {
	return fmt.Sprintf("mqtt: connection refused: 0x%02x %s", byte(e.Code), packet.ConnackText(packet.VERSION311, e.Code))
}

func (e *ConnackError) Unwrap() error { return e.Code }

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
