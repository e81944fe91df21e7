package log

// Canonical field names for structured logging.
const (
	FieldService   = "service"
	FieldComponent = "component"

	FieldRoomID        = "room_id"
	FieldParticipantID = "participant_id"
	FieldRole          = "role"
	FieldPID           = "pid"
	FieldHost          = "host"

	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldTool      = "tool"

	FieldOldState = "old_state"
	FieldNewState = "new_state"

	FieldClip  = "clip"
	FieldMode  = "mode"
	FieldEvent = "event"
)
