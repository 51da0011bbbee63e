package protocol

import "encoding/json"

const Version = "1.0"

// Message types. Client commands and queries all answer with RESULT.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeResult  = "RESULT"
	TypeError   = "ERROR"

	TypeStartRun   = "START_RUN"
	TypePractice   = "PRACTICE"
	TypeCheckpoint = "CHECKPOINT"
	TypeFinish     = "FINISH"
	TypeAbandon    = "ABANDON"
	TypeFail       = "FAIL"

	TypeProgress   = "PROGRESS"
	TypeMapBoard   = "MAP_BOARD"
	TypeMedalBoard = "MEDAL_BOARD"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
