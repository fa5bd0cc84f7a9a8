package semtech

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 时间格式
const (
	StatTimeLayout = "2006-01-02 15:04:05 GMT"
	RXTimeLayout   = "2006-01-02T15:04:05.000000Z"
)

// DefaultAckRatio 协议要求 ackr 字段，这里使用常量
const DefaultAckRatio = 100.0

// CRC 状态
const (
	CRCOK   = 1
	CRCBad  = -1
	CRCNone = 0
)

// TxError TX_ACK 中的错误码
type TxError string

// TxError 取值；本实现只产生 NONE 和 TOO_LATE
const (
	TxErrNone            TxError = "NONE"
	TxErrTooLate         TxError = "TOO_LATE"
	TxErrTooEarly        TxError = "TOO_EARLY"
	TxErrCollisionPacket TxError = "COLLISION_PACKET"
	TxErrCollisionBeacon TxError = "COLLISION_BEACON"
	TxErrTxFreq          TxError = "TX_FREQ"
	TxErrTxPower         TxError = "TX_POWER"
	TxErrGPSUnlocked     TxError = "GPS_UNLOCKED"
)

// TxErrors 全部协议定义的错误码
var TxErrors = []TxError{
	TxErrNone,
	TxErrTooLate,
	TxErrTooEarly,
	TxErrCollisionPacket,
	TxErrCollisionBeacon,
	TxErrTxFreq,
	TxErrTxPower,
	TxErrGPSUnlocked,
}

// Location 网关静态位置
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Altitude  int     `json:"altitude" yaml:"altitude"`
}

// Stat 网关状态 (stat 对象)
type Stat struct {
	Time string  `json:"time"`
	Lati float64 `json:"lati"`
	Long float64 `json:"long"`
	Alti int     `json:"alti"`
	RXNb uint32  `json:"rxnb"`
	RXOk uint32  `json:"rxok"`
	RXFw uint32  `json:"rxfw"`
	ACKR float64 `json:"ackr"`
	DWNb uint32  `json:"dwnb"`
	TXNb uint32  `json:"txnb"`
}

// StatPacket PUSH_DATA 中的 {"stat":{...}}
type StatPacket struct {
	Stat Stat `json:"stat"`
}

// StatCounters 填入 stat 对象的计数器
type StatCounters struct {
	RXNb uint32
	RXOk uint32
	RXFw uint32
	DWNb uint32
	TXNb uint32
}

// RXPK 一个上行帧 (rxpk 数组元素)
type RXPK struct {
	Time string  `json:"time"`
	Tmst uint32  `json:"tmst"`
	Chan uint8   `json:"chan"`
	RFCh uint8   `json:"rfch"`
	Freq float64 `json:"freq"`
	Stat int8    `json:"stat"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// RXPacket PUSH_DATA 中的 {"rxpk":[...]}
type RXPacket struct {
	RXPK []RXPK `json:"rxpk"`
}

// RxInfo 构建 rxpk 所需的接收信息
type RxInfo struct {
	Time       time.Time
	Tmst       uint32
	Frequency  float64 // MHz
	DataRate   string
	CodingRate string
	CRCStatus  int8
	RSSI       int
	SNR        float64
	Payload    []byte
}

// TXPKAck TX_ACK 消息体中的 txpk_ack 对象
type TXPKAck struct {
	Error TxError `json:"error"`
}

// TXAckPacket TX_ACK 消息体 {"txpk_ack":{...}}
type TXAckPacket struct {
	TXPKAck TXPKAck `json:"txpk_ack"`
}

// DataRateID datr 字段：LoRa 为字符串 (SF7BW125)，FSK 为数字 (bit/s)
type DataRateID struct {
	LoRa string
	FSK  uint32
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DataRateID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d.LoRa = s
		return nil
	}

	var n uint32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("can not parse datarate (not a string or number): %s", string(data))
	}
	d.FSK = n
	return nil
}

// MarshalJSON implements json.Marshaler
func (d DataRateID) MarshalJSON() ([]byte, error) {
	if d.LoRa != "" {
		return json.Marshal(d.LoRa)
	}
	return json.Marshal(d.FSK)
}

func (d DataRateID) String() string {
	if d.LoRa != "" {
		return d.LoRa
	}
	return strconv.FormatUint(uint64(d.FSK), 10)
}

// TXPK 服务器下发的下行帧
type TXPK struct {
	Imme bool       `json:"imme,omitempty"`
	Tmst *uint32    `json:"tmst,omitempty"`
	Tmms *uint64    `json:"tmms,omitempty"`
	Freq float64    `json:"freq"`
	RFCh uint8      `json:"rfch"`
	Powe int        `json:"powe,omitempty"`
	Modu string     `json:"modu,omitempty"`
	Datr DataRateID `json:"datr"`
	Codr string     `json:"codr,omitempty"`
	IPol bool       `json:"ipol,omitempty"`
	Prea int        `json:"prea,omitempty"`
	Size int        `json:"size,omitempty"`
	Data string     `json:"data"`
	NCRC bool       `json:"ncrc,omitempty"`
}

// Immediate 无 tmst 或 imme=true 时立即发射
func (t *TXPK) Immediate() bool {
	return t.Imme || t.Tmst == nil
}

// Payload 解码 base64 数据，padding 可选
func (t *TXPK) Payload() ([]byte, error) {
	data := strings.TrimSpace(t.Data)
	if b, err := base64.StdEncoding.DecodeString(data); err == nil {
		return b, nil
	}

	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return nil, fmt.Errorf("decode txpk data: %w", err)
	}
	return b, nil
}

// NewStatPacket 构建 stat 消息体；每次返回新值
func NewStatPacket(now time.Time, loc Location, c StatCounters) StatPacket {
	return StatPacket{
		Stat: Stat{
			Time: now.UTC().Format(StatTimeLayout),
			Lati: loc.Latitude,
			Long: loc.Longitude,
			Alti: loc.Altitude,
			RXNb: c.RXNb,
			RXOk: c.RXOk,
			RXFw: c.RXFw,
			ACKR: DefaultAckRatio,
			DWNb: c.DWNb,
			TXNb: c.TXNb,
		},
	}
}

// NewRXPacket 构建只含一个 rxpk 的消息体
func NewRXPacket(info RxInfo) RXPacket {
	codr := info.CodingRate
	if codr == "" {
		codr = "4/5"
	}

	return RXPacket{
		RXPK: []RXPK{{
			Time: info.Time.UTC().Format(RXTimeLayout),
			Tmst: info.Tmst,
			Chan: 0,
			RFCh: 0,
			Freq: info.Frequency,
			Stat: info.CRCStatus,
			Modu: "LORA",
			Datr: info.DataRate,
			Codr: codr,
			RSSI: info.RSSI,
			LSNR: info.SNR,
			Size: len(info.Payload),
			Data: base64.StdEncoding.EncodeToString(info.Payload),
		}},
	}
}

// NewTXAckPacket 构建 TX_ACK 消息体
func NewTXAckPacket(e TxError) TXAckPacket {
	return TXAckPacket{TXPKAck: TXPKAck{Error: e}}
}
