package event

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	SessionID string `json:"sessionId"`
	Folder    string `json:"folder"`
	Bridge    string `json:"bridge,omitempty"`
}

// SessionPairingData is the data for session.pairing events. Code is the
// raw pairing code; bridges render it into a scannable artifact.
type SessionPairingData struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Bridge    string `json:"bridge,omitempty"`
}

// SessionConnectedData is the data for session.connected events.
type SessionConnectedData struct {
	SessionID string `json:"sessionId"`
	Folder    string `json:"folder"`
	Owner     string `json:"owner,omitempty"`
	Bridge    string `json:"bridge,omitempty"`
}

// SessionDisconnectedData is the data for session.disconnected events.
type SessionDisconnectedData struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Bridge    string `json:"bridge,omitempty"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	SessionID string `json:"sessionId"`
	Bridge    string `json:"bridge,omitempty"`
}

// SessionErrorData is the data for session.error events. It covers
// operational failures: credential load errors, transport construction
// errors, failed automatic recreations.
type SessionErrorData struct {
	SessionID string `json:"sessionId,omitempty"`
	Folder    string `json:"folder,omitempty"`
	Message   string `json:"message"`
	Bridge    string `json:"bridge,omitempty"`
}
