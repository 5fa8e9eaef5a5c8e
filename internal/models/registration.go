package models

// CommandKind tags the variants of ParsedCommand.
type CommandKind int

const (
	// CommandUnrecognized is any body that does not start with the ABSENSI keyword.
	CommandUnrecognized CommandKind = iota
	// CommandMalformedArity is an ABSENSI command with the wrong number of fields.
	CommandMalformedArity
	// CommandRegistration is a well-formed ABSENSI command.
	CommandRegistration
)

func (k CommandKind) String() string {
	switch k {
	case CommandUnrecognized:
		return "unrecognized"
	case CommandMalformedArity:
		return "malformed_arity"
	case CommandRegistration:
		return "registration"
	default:
		return "unknown"
	}
}

// ParsedCommand is the classification of a message body.
// Parts is the observed field count for ABSENSI commands.
// PhoneRaw is only meaningful when HasPhone is set (4-field form);
// otherwise the phone comes from the sender identity.
type ParsedCommand struct {
	Kind     CommandKind
	Parts    int
	NISNRaw  string
	NameRaw  string
	PhoneRaw string
	HasPhone bool
}
