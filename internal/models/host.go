package models

import "time"

// HostWakeConfig wakes a sleeping repository host before the jobs run.
type HostWakeConfig struct {
	MACAddress    string
	BroadcastIP   string
	PollURL       string        // polled until the repository host answers
	Timeout       time.Duration // max time to wait for the host
	PollInterval  time.Duration
	StabilizeWait time.Duration // wait after the host first answers
}

// HostWakeResult holds the result of waking the repository host.
type HostWakeResult struct {
	PacketSent   bool
	HostReady    bool
	WaitDuration time.Duration
	Error        error
}

// HostShutdownConfig powers the repository host off once the run is over.
type HostShutdownConfig struct {
	Host          string
	Port          int
	Username      string
	KeyPath       string
	PrivateKey    []byte // loaded from KeyPath when nil
	KnownHosts    string // known_hosts file; empty skips host key verification
	ShutdownDelay int    // minutes
	OS            string // "linux" (default) or "windows"
	SkipIfBusy    bool   // leave the host on while other borg clients are connected
}

// HostShutdownResult holds the result of the remote shutdown command.
type HostShutdownResult struct {
	Busy       bool // other borg sessions were active, nothing was run
	CommandRun bool
	Output     string
	Error      error
}
