package internal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 系統設計問題：
//   如何在一個 JSON 物件裡表達「三選一」的事件（joined / moved / left）？
//
// 核心挑戰：
//   1. 標籤聯合：訊框中以 key 名稱作為判別子，而非 "type" 欄位
//   2. 容錯：客戶端可能送出多個標籤或錯誤的 payload
//   3. 相容：行動端移動時只送出裸座標 {"x":_,"y":_}
//
// 設計方案：
//   ✅ 固定順序嘗試 joined → moved → left，第一個成功者勝出
//   ✅ payload 欄位以指標解碼，缺欄位與型別錯誤都視為格式錯誤
//   ✅ 編解碼器不做範圍檢查（夾限屬於註冊表的職責）

// ColorComponents 正規化顏色（0~1）
type ColorComponents struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

// Position 正規化座標（0~1）
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Clamp 將座標限制在 [0,1]
func (p Position) Clamp() Position {
	return Position{X: clamp01(p.X), Y: clamp01(p.Y)}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Touch 參與者可分享的狀態
type Touch struct {
	Participant string          `json:"participant"`
	Color       ColorComponents `json:"colorComponents"`
	Position    Position        `json:"position"`
}

// UpdateKind 事件種類
type UpdateKind int

const (
	UpdateJoined UpdateKind = iota + 1
	UpdateMoved
	UpdateLeft
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateJoined:
		return "joined"
	case UpdateMoved:
		return "moved"
	case UpdateLeft:
		return "left"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// Update 標籤聯合：Kind 決定哪個欄位有效
//   - UpdateJoined：Touch
//   - UpdateMoved：Position
//   - UpdateLeft：無 payload
type Update struct {
	Kind     UpdateKind
	Touch    Touch
	Position Position
}

// Joined 建立 joined 事件
func Joined(t Touch) Update { return Update{Kind: UpdateJoined, Touch: t} }

// Moved 建立 moved 事件
func Moved(p Position) Update { return Update{Kind: UpdateMoved, Position: p} }

// Left 建立 left 事件
func Left() Update { return Update{Kind: UpdateLeft} }

// Message 線路訊息信封
type Message struct {
	Participant string
	Update      Update
}

// envelope 線路格式，三個標籤恰好出現一個
type envelope struct {
	Participant string    `json:"participant"`
	Joined      *Touch    `json:"joined,omitempty"`
	Moved       *Position `json:"moved,omitempty"`
	Left        *bool     `json:"left,omitempty"`
}

// Encode 將訊息編碼為單一 JSON 物件
func Encode(msg Message) ([]byte, error) {
	env := envelope{Participant: msg.Participant}

	switch msg.Update.Kind {
	case UpdateJoined:
		t := msg.Update.Touch
		env.Joined = &t
	case UpdateMoved:
		p := msg.Update.Position
		env.Moved = &p
	case UpdateLeft:
		left := true
		env.Left = &left
	default:
		return nil, fmt.Errorf("encode message: unknown update kind %v", msg.Update.Kind)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// updateDecoder 一個標籤的解碼嘗試
type updateDecoder struct {
	tag    string
	decode func(json.RawMessage) (Update, error)
}

// updateDecoders 解碼優先順序，不可調換
var updateDecoders = []updateDecoder{
	{tag: "joined", decode: decodeJoined},
	{tag: "moved", decode: decodeMoved},
	{tag: "left", decode: decodeLeft},
}

// Decode 解碼一個訊框
//
// 依序嘗試 joined、moved、left：標籤存在且 payload 通過結構驗證即採用，
// 之後的標籤不再嘗試。全部失敗時回傳包裝 ErrMalformedMessage 的錯誤。
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	rawID, ok := fields["participant"]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing participant", ErrMalformedMessage)
	}
	var participant *string
	if err := json.Unmarshal(rawID, &participant); err != nil {
		return Message{}, fmt.Errorf("%w: participant: %v", ErrMalformedMessage, err)
	}
	if participant == nil {
		return Message{}, fmt.Errorf("%w: participant is null", ErrMalformedMessage)
	}

	var errs []error
	for _, d := range updateDecoders {
		raw, present := fields[d.tag]
		if !present {
			continue
		}
		update, err := d.decode(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.tag, err))
			continue
		}
		return Message{Participant: *participant, Update: update}, nil
	}

	if len(errs) == 0 {
		return Message{}, fmt.Errorf("%w: no joined, moved or left tag", ErrMalformedMessage)
	}
	return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, errors.Join(errs...))
}

// DecodeClientFrame 解碼客戶端送來的訊框
//
// 除了完整信封之外，也接受行動端實際送出的裸座標 {"x":_,"y":_}，視為 moved。
// 信封中的 participant 欄位由呼叫端忽略，一律以連線本身的 ID 為準。
func DecodeClientFrame(data []byte) (Message, error) {
	msg, err := Decode(data)
	if err == nil {
		return msg, nil
	}

	if pos, perr := parsePosition(data); perr == nil {
		return Message{Update: Moved(pos)}, nil
	}
	return Message{}, err
}

type positionWire struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type colorWire struct {
	R *float64 `json:"r"`
	G *float64 `json:"g"`
	B *float64 `json:"b"`
	A *float64 `json:"a"`
}

type touchWire struct {
	Participant *string       `json:"participant"`
	Color       *colorWire    `json:"colorComponents"`
	Position    *positionWire `json:"position"`
}

func (w *positionWire) position() (Position, error) {
	if w == nil {
		return Position{}, errors.New("position missing")
	}
	if w.X == nil || w.Y == nil {
		return Position{}, errors.New("position requires x and y")
	}
	return Position{X: *w.X, Y: *w.Y}, nil
}

func (w *colorWire) color() (ColorComponents, error) {
	if w == nil {
		return ColorComponents{}, errors.New("colorComponents missing")
	}
	if w.R == nil || w.G == nil || w.B == nil || w.A == nil {
		return ColorComponents{}, errors.New("colorComponents requires r, g, b and a")
	}
	return ColorComponents{R: *w.R, G: *w.G, B: *w.B, A: *w.A}, nil
}

func parsePosition(raw []byte) (Position, error) {
	var w *positionWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Position{}, err
	}
	return w.position()
}

func decodeJoined(raw json.RawMessage) (Update, error) {
	var w *touchWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Update{}, err
	}
	if w == nil {
		return Update{}, errors.New("payload is null")
	}
	if w.Participant == nil {
		return Update{}, errors.New("participant missing")
	}
	color, err := w.Color.color()
	if err != nil {
		return Update{}, err
	}
	pos, err := w.Position.position()
	if err != nil {
		return Update{}, err
	}
	return Joined(Touch{Participant: *w.Participant, Color: color, Position: pos}), nil
}

func decodeMoved(raw json.RawMessage) (Update, error) {
	pos, err := parsePosition(raw)
	if err != nil {
		return Update{}, err
	}
	return Moved(pos), nil
}

func decodeLeft(raw json.RawMessage) (Update, error) {
	var left *bool
	if err := json.Unmarshal(raw, &left); err != nil {
		return Update{}, err
	}
	if left == nil || !*left {
		return Update{}, errors.New("left must be true")
	}
	return Left(), nil
}
