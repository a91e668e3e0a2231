package ws

// Inbound frames are JSON objects with a "type" discriminator; the
// remaining fields sit at the top level and, for relayed frames, travel
// to the other participants verbatim.
type Envelope struct {
	Type string `json:"type"`
}

// ModerationBody is the shape of every owner-only command frame.
type ModerationBody struct {
	TargetUser string `json:"target_user"`
}

// CodeUpdateBody carries an edit; the raw frame is what gets relayed,
// this struct only feeds the hot-buffer write.
type CodeUpdateBody struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// ──────────────────────────── Outbound frames ────────────────────────────

// ParticipantsUpdate is a full roster replace.
type ParticipantsUpdate struct {
	Type         string   `json:"type"` // "participants_update"
	Participants []string `json:"participants"`
	Owner        string   `json:"owner"`
}

// MuteNotice announces a mute-state change to the whole room.
type MuteNotice struct {
	Type     string `json:"type"` // "user_muted" / "user_unmuted"
	Username string `json:"username"`
}

// Notice is a bare typed frame: "kicked" and "banned" go to the
// affected connection only, "room_closed" to everyone.
type Notice struct {
	Type string `json:"type"`
}

// SessionSnapshot is pushed to a connection right after it joins.
type SessionSnapshot struct {
	Type     string `json:"type"` // "session_snapshot"
	Code     string `json:"code"`
	Output   string `json:"output"`
	Language string `json:"language"`
}
