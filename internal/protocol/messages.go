package protocol

// ObjectModel is the wire form of one model value in a STATE collection.
// It is a flat comparable struct on purpose: the stage diffs collections by
// ==, and anything that would break that (slices, maps) stays out.
type ObjectModel struct {
	Kind   string     `json:"kind"`
	Pos    [3]float64 `json:"pos"`
	Yaw    float64    `json:"yaw,omitempty"`
	Scale  float64    `json:"scale,omitempty"`
	Color  string     `json:"color,omitempty"`
	Label  string     `json:"label,omitempty"`
	Hidden bool       `json:"hidden,omitempty"`
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	ForceUpdates bool `json:"force_updates,omitempty"`
	MaxQueue     int  `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	StageID         string      `json:"stage_id"`
	StageParams     StageParams `json:"stage_params"`
}

type StageParams struct {
	SnapshotEveryPasses int `json:"snapshot_every_passes,omitempty"`
	MaxObjects          int `json:"max_objects,omitempty"`
}

// STATE (client -> server): the full keyed collection the stage should
// mirror. Always a complete set, never a delta.
type StateMsg struct {
	Type            string                 `json:"type"`
	ProtocolVersion string                 `json:"protocol_version"`
	Seq             uint64                 `json:"seq"`
	Objects         map[string]ObjectModel `json:"objects"`
	Force           bool                   `json:"force,omitempty"`
}

// ACK (server -> client): result of one sync pass.
type AckMsg struct {
	Type     string       `json:"type"`
	Seq      uint64       `json:"seq"`
	Pass     uint64       `json:"pass"`
	Added    int          `json:"added"`
	Changed  int          `json:"changed"`
	Removed  int          `json:"removed"`
	Objects  int          `json:"objects"`
	Digest   string       `json:"digest"`
	Failures []KeyFailure `json:"failures,omitempty"`
}

// KeyFailure reports one key whose creation failed during a pass.
type KeyFailure struct {
	Key     string `json:"key"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
