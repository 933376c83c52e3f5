package protocol

import "fmt"

// Version is the distbuild protocol version spoken by this build.
// Increment on any incompatible change to the message catalogue.
const Version = 4

// VersionMismatchReason explains a version mismatch to an older or newer client.
func VersionMismatchReason(clientVersion int) string {
	return versionMismatchReason(clientVersion)
}

func versionMismatchReason(clientVersion any) string {
	return fmt.Sprintf(
		"Protocol version mismatch between server & initiator: "+
			"distbuild network uses distbuild protocol version %d, "+
			"but client uses version %v.",
		Version, clientVersion)
}

// CheckVersion returns a VERSION_MISMATCH error if msg does not carry the
// current protocol version.
func CheckVersion(msg Message) error {
	v, ok := msg.Int("protocol_version")
	if !ok {
		// Absent counts as version 0; a fractional or non-numeric value is
		// echoed back as sent.
		var sent any = 0
		if raw, present := msg["protocol_version"]; present {
			sent = raw
		}
		return &ValidationError{
			Code:    ErrCodeVersionMismatch,
			Type:    msg.Type(),
			Field:   "protocol_version",
			Message: versionMismatchReason(sent),
		}
	}
	if v != Version {
		return &ValidationError{
			Code:    ErrCodeVersionMismatch,
			Type:    msg.Type(),
			Field:   "protocol_version",
			Message: VersionMismatchReason(v),
		}
	}
	return nil
}
