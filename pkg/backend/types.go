package backend

// Kind represents the functional category of an execution backend.
type Kind string

const (
	// KindFile backends perform filesystem reads and writes.
	KindFile Kind = "file"
	// KindBrowser backends drive a remote browser session.
	KindBrowser Kind = "browser"
	// KindProcess backends launch applications and run shell commands.
	KindProcess Kind = "process"
	// KindSettings backends read and mutate system settings.
	KindSettings Kind = "settings"
)

// Capability expresses the host features a backend needs access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
	CapabilitySettings   Capability = "settings"
)

// Info contains descriptive metadata for a backend implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Version      string
	Kind         Kind
	Capabilities []Capability
}

// State represents the lifecycle position of a backend instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
