package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	Listen      string
	NoAutostart bool
}

type StartFlags struct {
	Wait     bool
	WaitPort bool
	Timeout  time.Duration
}

type StatusFlags struct {
	JSON bool
}

type EventsFlags struct {
	History int
	Raw     bool
}
