package protocol

// HELLO (client -> server): binds the connection to one player.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
	Name            string `json:"name"`
	VIP             *bool  `json:"vip,omitempty"`
	Founder         *bool  `json:"founder,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
	Name            string `json:"name"`
	Rank            string `json:"rank"`
	FirstVisit      bool   `json:"first_visit"`
	CatalogVersion  uint64 `json:"catalog_version"`
	CatalogDigest   string `json:"catalog_digest,omitempty"`
	PageSize        int    `json:"page_size"`
}

// RequestMsg carries every command and query after HELLO. Fields unused by a
// type are ignored.
type RequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	MapID           string `json:"map_id,omitempty"`
	Checkpoint      *int   `json:"checkpoint,omitempty"`
	Page            int    `json:"page,omitempty"`
	Query           string `json:"query,omitempty"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	For             string `json:"for"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Data            any    `json:"data,omitempty"`
}

// ERROR (server -> client) for frames that cannot be answered with RESULT.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewResult(reqID, forType string, data any) ResultMsg {
	return ResultMsg{Type: TypeResult, ProtocolVersion: Version, ReqID: reqID, For: forType, OK: true, Data: data}
}

func NewFailure(reqID, forType string, err error) ResultMsg {
	return ResultMsg{
		Type:            TypeResult,
		ProtocolVersion: Version,
		ReqID:           reqID,
		For:             forType,
		Code:            CodeFor(err),
		Message:         err.Error(),
	}
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}
