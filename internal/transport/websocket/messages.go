package websocket

const (
	RoleKiosk = "kiosk"

	TypeInit           = "init"
	TypeHeartbeat      = "heartbeat"
	TypeCommandAck     = "command_ack"
	TypeErrorReport    = "error_report"
	TypeRequestSession = "request_session"

	TypeInitOK = "init_ok"
	TypeError  = "error"
)

// ClientMessage is every frame a kiosk or observer may send.
type ClientMessage struct {
	Type string `json:"type"`

	// init
	Role            string `json:"role,omitempty"`
	JWT             string `json:"jwt,omitempty"`
	HardwareAddress string `json:"hardwareAddress,omitempty"`
	Name            string `json:"name,omitempty"`
	KioskKey        string `json:"kioskKey,omitempty"`

	CommandID       string `json:"commandId,omitempty"`
	Message         string `json:"message,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
}

type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

type InitOK struct {
	ConnectionID string `json:"connectionId"`
	KioskID      int64  `json:"kioskId,omitempty"`
	Role         string `json:"role"`
}
