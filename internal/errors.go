package internal

import "errors"

// 錯誤分類
//
// 本服務的錯誤只影響單一連線，永遠不會擴散到其他參與者或註冊表：
//   - ErrMalformedMessage：解碼失敗，丟棄該訊框，連線保持
//   - ErrHandshakeInvalid：握手參數錯誤，加入前直接拒絕（不會廣播 left）
//   - ErrSendFailure：單一接收者投遞失敗，排程回收，不中斷廣播
//
// 「參與者不存在」不是錯誤，以 bool 回傳表示。
var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrHandshakeInvalid = errors.New("invalid handshake")
	ErrSendFailure      = errors.New("send failure")

	// ErrConnClosed 與 ErrSendTimeout 都包裝 ErrSendFailure
	ErrConnClosed  = sendFailure("connection closed")
	ErrSendTimeout = sendFailure("send timeout")
)

type sendFailureError struct {
	reason string
}

func sendFailure(reason string) error {
	return &sendFailureError{reason: reason}
}

func (e *sendFailureError) Error() string {
	return ErrSendFailure.Error() + ": " + e.reason
}

func (e *sendFailureError) Unwrap() error {
	return ErrSendFailure
}
