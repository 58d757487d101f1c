package collab

import "encoding/json"

// PresenceState is the ephemeral per-client awareness payload: never
// persisted, removed implicitly when the client stops heartbeating.
type PresenceState struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color"`
	ColorLight  string          `json:"colorLight"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

// ColorPair is one palette slot.
type ColorPair struct {
	Color      string `json:"color"`
	ColorLight string `json:"colorLight"`
}

// palette order matters: ColorFor indexes into it, so reordering would change
// every user's assigned color.
var palette = []ColorPair{
	{Color: "#30bced", ColorLight: "#30bced33"},
	{Color: "#6eeb83", ColorLight: "#6eeb8333"},
	{Color: "#ffbc42", ColorLight: "#ffbc4233"},
	{Color: "#ecd444", ColorLight: "#ecd44433"},
	{Color: "#ee6352", ColorLight: "#ee635233"},
	{Color: "#9ac2c9", ColorLight: "#9ac2c933"},
	{Color: "#8acb88", ColorLight: "#8acb8833"},
	{Color: "#1be7ff", ColorLight: "#1be7ff33"},
}

// ColorFor deterministically assigns a palette slot to a user id. Stability
// per id is the guarantee; two ids may share a color.
func ColorFor(userID string) ColorPair {
	var hash int32
	for _, ch := range userID {
		hash = int32(ch) + ((hash << 5) - hash)
	}
	abs := int64(hash)
	if abs < 0 {
		abs = -abs
	}
	return palette[abs%int64(len(palette))]
}
