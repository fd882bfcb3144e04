package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetConnAck     = 2
	packetPublish     = 3
	packetPubAck      = 4
	packetSubscribe   = 8
	packetSubAck      = 9
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetPingResp    = 13
	packetDisconnect  = 14
)

// CONNACK return codes.
const (
	connAccepted          = 0x00
	connRefusedBadAuth    = 0x04
	connRefusedNotAllowed = 0x05
)

// CONNECT flag bits.
const (
	flagCleanSession = 1 << 1
	flagWill         = 1 << 2
	flagPassword     = 1 << 6
	flagUsername     = 1 << 7
)

type connectPacket struct {
	clientID    string
	username    string
	password    string
	hasUsername bool
	hasPassword bool
}

type publishPacket struct {
	topic    string
	qos      byte
	packetID uint16
	payload  []byte
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectPacket{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectPacket{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&flagWill != 0 {
		return connectPacket{}, fmt.Errorf("will messages are not supported")
	}
	if flags&flagPassword != 0 && flags&flagUsername == 0 {
		return connectPacket{}, fmt.Errorf("password flag set without username")
	}

	if _, err := rd.readUint16(); err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}

	var p connectPacket
	if p.clientID, err = rd.readString(); err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}
	if flags&flagUsername != 0 {
		p.hasUsername = true
		if p.username, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		p.hasPassword = true
		if p.password, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}
	return p, nil
}

func parsePublish(header byte, payload []byte) (publishPacket, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return publishPacket{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return publishPacket{}, fmt.Errorf("read topic: %w", err)
	}
	if err := validateTopicName(topic); err != nil {
		return publishPacket{}, err
	}

	p := publishPacket{topic: topic, qos: qos}
	if qos > 0 {
		if p.packetID, err = rd.readUint16(); err != nil {
			return publishPacket{}, fmt.Errorf("read packet id: %w", err)
		}
	}
	p.payload = rd.readBytes(rd.remaining())
	return p, nil
}

func buildPacket(packetType byte, flags byte, body []byte) []byte {
	remaining := encodeRemainingLength(len(body))
	packet := make([]byte, 0, 1+len(remaining)+len(body))
	packet = append(packet, packetType<<4|flags)
	packet = append(packet, remaining...)
	return append(packet, body...)
}

func buildConnAck(code byte) []byte {
	return buildPacket(packetConnAck, 0, []byte{0x00, code})
}

func buildPublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body = append(body, byte(len(topic)>>8), byte(len(topic)))
	body = append(body, topic...)
	body = append(body, payload...)
	return buildPacket(packetPublish, 0, body), nil
}

func buildAck(packetType byte, packetID uint16, codes ...byte) []byte {
	body := append([]byte{byte(packetID >> 8), byte(packetID)}, codes...)
	return buildPacket(packetType, 0, body)
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	n = min(n, len(*b))
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			return encoded
		}
	}
}
