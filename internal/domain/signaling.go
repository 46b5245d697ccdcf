package domain

// Offer and Answer are immutable once written to the directory;
// a rewrite supersedes, never mutates.

type Offer struct {
	SDP  string  `json:"sdp"`
	Type string  `json:"type"` // always "offer"
	From GuardID `json:"from"`
}

type Answer struct {
	SDP  string  `json:"sdp"`
	Type string  `json:"type"` // always "answer"
	From GuardID `json:"from"`
}

// IceCandidate entries are append-only per call. Readers skip their own
// (From == self).
type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16  `json:"sdpMLineIndex"`
	From          GuardID `json:"from"`
}
