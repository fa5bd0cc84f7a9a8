// Package semtech 实现 Semtech UDP packet forwarder 协议 (v2) 的帧编解码
package semtech

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lorawan-server/single-chan-pktfwd/pkg/lorawan"
)

// Semtech UDP 协议常量
const (
	ProtocolVersion   = 2
	ProtocolVersionV1 = 1

	headerLen   = 4
	gatewayLen  = 8
	uplinkStart = headerLen + gatewayLen
)

// MessageType 消息类型
type MessageType uint8

// 消息类型
const (
	PushData MessageType = 0x00
	PushAck  MessageType = 0x01
	PullData MessageType = 0x02
	PullResp MessageType = 0x03
	PullAck  MessageType = 0x04
	TxAck    MessageType = 0x05
)

// ErrMalformedFrame 入站数据报无法解析
var ErrMalformedFrame = errors.New("malformed frame")

func (t MessageType) String() string {
	switch t {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// HasGatewayID 网关发出的消息在头部之后携带 8 字节网关 ID
func (t MessageType) HasGatewayID() bool {
	return t == PushData || t == PullData || t == TxAck
}

// HasBody 携带 JSON 消息体的类型
func (t MessageType) HasBody() bool {
	return t == PushData || t == PullResp || t == TxAck
}

// Frame 一个 Semtech UDP 数据报
type Frame struct {
	Version   uint8
	Token     uint16
	Type      MessageType
	GatewayID lorawan.EUI64
	Payload   []byte // JSON 消息体，PULL_DATA / PULL_ACK / PUSH_ACK 为空

	// TXPK 仅在解码 PULL_RESP 时填充
	TXPK *TXPK
}

// MarshalBinary 编码为线上格式
func (f *Frame) MarshalBinary() ([]byte, error) {
	version := f.Version
	if version == 0 {
		version = ProtocolVersion
	}

	if !f.Type.HasBody() && len(f.Payload) > 0 {
		return nil, fmt.Errorf("%s does not carry a body", f.Type)
	}

	size := headerLen + len(f.Payload)
	if f.Type.HasGatewayID() {
		size += gatewayLen
	}

	b := make([]byte, headerLen, size)
	b[0] = version
	binary.BigEndian.PutUint16(b[1:3], f.Token)
	b[3] = byte(f.Type)

	if f.Type.HasGatewayID() {
		b = append(b, f.GatewayID[:]...)
	}

	return append(b, f.Payload...), nil
}

// Decode 解析收到的数据报；不校验网关 ID
func Decode(data []byte) (*Frame, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}

	f := &Frame{
		Version: data[0],
		Token:   binary.BigEndian.Uint16(data[1:3]),
		Type:    MessageType(data[3]),
	}

	// 检查协议版本
	if f.Version != ProtocolVersion && f.Version != ProtocolVersionV1 {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformedFrame, f.Version)
	}

	body := data[headerLen:]
	if f.Type.HasGatewayID() {
		if len(data) < uplinkStart {
			return nil, fmt.Errorf("%w: %s shorter than %d bytes", ErrMalformedFrame, f.Type, uplinkStart)
		}
		copy(f.GatewayID[:], data[headerLen:uplinkStart])
		body = data[uplinkStart:]
	}

	if len(body) > 0 {
		f.Payload = append([]byte(nil), body...)
	}

	switch f.Type {
	case PushData, PushAck, PullData, PullAck, TxAck:
	case PullResp:
		txpk, err := UnmarshalPullResp(f.Payload)
		if err != nil {
			return nil, err
		}
		f.TXPK = txpk
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformedFrame, uint8(f.Type))
	}

	return f, nil
}

// UnmarshalPullResp 解析 PULL_RESP 消息体 {"txpk":{...}}
func UnmarshalPullResp(body []byte) (*TXPK, error) {
	var resp struct {
		TXPK *TXPK `json:"txpk"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: PULL_RESP body: %v", ErrMalformedFrame, err)
	}

	if resp.TXPK == nil {
		return nil, fmt.Errorf("%w: PULL_RESP without txpk", ErrMalformedFrame)
	}

	return resp.TXPK, nil
}

// NewFrame 构建一个帧，body 非 nil 时序列化为 JSON 消息体
func NewFrame(t MessageType, token uint16, gatewayID lorawan.EUI64, body interface{}) (*Frame, error) {
	f := &Frame{
		Version:   ProtocolVersion,
		Token:     token,
		Type:      t,
		GatewayID: gatewayID,
	}

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", t, err)
		}
		f.Payload = b
	}

	return f, nil
}
