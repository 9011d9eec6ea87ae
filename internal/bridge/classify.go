package bridge

import "strings"

// Telemetry line prefixes sent by the controller.
const (
	PrefixGPS    = "D,s,1,1"
	PrefixIMU    = "D,s,1,3"
	PrefixRemote = "D,s,1,5"
)

// Update is a status change derived from one telemetry line.
type Update struct {
	Status Status
	Field  string
	Value  string
}

var classes = []struct {
	prefix string
	status Status
	field  string
}{
	{PrefixGPS, StatusResponse, FieldGPS},
	{PrefixIMU, StatusResponse, FieldIMU},
	{PrefixRemote, StatusRemote, FieldRemoteVerify},
}

// Classify matches a raw telemetry line against the known prefixes. The
// line is kept verbatim as the field value. ok is false for lines that
// change nothing.
func Classify(line string) (u Update, ok bool) {
	for _, c := range classes {
		if strings.HasPrefix(line, c.prefix) {
			return Update{Status: c.status, Field: c.field, Value: line}, true
		}
	}
	return Update{}, false
}
