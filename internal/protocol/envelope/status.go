package envelope

import "fmt"

// Status is the peer's API status code carried on every response.
type Status uint8

const (
	StatusUnknown       Status = 0
	StatusOK            Status = 1
	StatusTimeout       Status = 2
	StatusBadRequest    Status = 3
	StatusNotReady      Status = 4
	StatusUnhandled     Status = 5
	StatusTokenMismatch Status = 6
	StatusBusy          Status = 7
	StatusUnimplemented Status = 8
)

var statusNames = map[Status]string{
	StatusUnknown:       "AS_UNKNOWN",
	StatusOK:            "AS_OK",
	StatusTimeout:       "AS_TIMEOUT",
	StatusBadRequest:    "AS_BAD_REQUEST",
	StatusNotReady:      "AS_NOT_READY",
	StatusUnhandled:     "AS_UNHANDLED",
	StatusTokenMismatch: "AS_TOKEN_MISMATCH",
	StatusBusy:          "AS_BUSY",
	StatusUnimplemented: "AS_UNIMPLEMENTED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("AS_INVALID(%d)", uint8(s))
}

// Known reports whether s may appear on the wire.
func (s Status) Known() bool {
	return s >= StatusOK && s <= StatusUnimplemented
}
