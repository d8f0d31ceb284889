package shared

import (
	"sync/atomic"
)

// Program exit codes, used by supervising process managers to tell failure
// classes apart.
const (
	ExitOK             = 0
	ExitMissingBackend = 1
	ExitMQTTConnection = 2
	ExitSQLConnection  = 3
)

// Message is a single MQTT message as received from the broker. It is never
// mutated after creation.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// State is the process-wide exit state, shared between the MQTT session and
// all writer goroutines. The exit code is written once by whichever path
// fails first and read by everyone else.
type State struct {
	code atomic.Int32
}

func NewState() *State {
	return &State{}
}

// Fail records the exit code if no other failure has been recorded yet.
// The first failure wins.
func (s *State) Fail(code int) {
	s.code.CompareAndSwap(ExitOK, int32(code))
}

// Exiting reports whether a failure has been recorded. Writer goroutines and
// the MQTT callbacks check this before starting new work.
func (s *State) Exiting() bool {
	return s.code.Load() != ExitOK
}

func (s *State) ExitCode() int {
	return int(s.code.Load())
}
