package ir

// Version constants for the wire protocol and the engine.
const (
	// ProtocolVersion is the update and message schema version.
	ProtocolVersion = 1

	// EngineVersion is the commonplace engine version.
	EngineVersion = "0.1.0"
)
