package bridge

import "encoding/json"

// Sender identifies the origin of a message as reported by the Hub.
type Sender struct {
	Type string `json:"type"` // "robot" | "user"
	ID   string `json:"id"`
}

// Metadata carries the Hub-assigned routing information of a message.
// MessageID is used for log correlation only; it does not deduplicate.
type Metadata struct {
	MessageID  string `json:"messageId"`
	AnalysisID string `json:"analysisId"`
}

// IncomingNodeMessage is a message received from the Hub for an analysis this
// node participates in. It is transient: constructed when a transport frame
// arrives and consumed by the fan-out engine.
type IncomingNodeMessage struct {
	From     Sender          `json:"from"`
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}
