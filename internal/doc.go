// Package internal 觸控分享服務
//
// 每個連上的裝置都是房間裡的一個參與者，帶著顏色與一個正規化座標。
// 任何人移動時，其他所有人都會收到更新；有人加入或離開時亦同。
//
// 組成：
//
//	protocol.go   - 線路編解碼（joined / moved / left 標籤聯合）
//	registry.go   - 參與者註冊表（單一房間，RWMutex）
//	broadcast.go  - 廣播引擎（自我排除、部分失敗隔離）
//	websocket.go  - 連線生命週期（握手、讀寫 pump、心跳、掃描回收）
//	handler.go    - HTTP 路由（/session、/health、/stats、/api/v1/participants）
//	config.go     - 配置（YAML、.env、環境變數）
//
// 資料流：
//
//	Client ─WS─▶ readPump ─▶ Broadcaster ─▶ Registry
//	                              │
//	                              └─▶ Conn.Send ─▶ writePump ─WS─▶ 其他 Client
package internal
