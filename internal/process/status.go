package process

// Status is the lifecycle state of a process record.
//
//	spawning -> running -> exited
//	spawning|running -> error
type Status string

const (
	StatusSpawning Status = "spawning"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusError    Status = "error"
)

// Terminal reports whether no further OS event can change the status.
func (s Status) Terminal() bool { return s == StatusExited || s == StatusError }

func (s Status) String() string { return string(s) }
