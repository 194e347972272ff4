// Package state tracks coarse process lifecycle for the management endpoints.
package state

import "sync/atomic"

type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusStopping Status = "stopping"
)

// State is a lock-free status cell shared between the serving loop and the
// HTTP handlers.
type State struct {
	status atomic.Value // stores Status
}

func New() *State {
	s := &State{}
	s.status.Store(StatusStarting)
	return s
}

func (s *State) SetReady() { s.status.Store(StatusReady) }

func (s *State) SetStopping() { s.status.Store(StatusStopping) }

func (s *State) Status() Status {
	v := s.status.Load()
	if v == nil {
		return StatusStarting
	}
	return v.(Status)
}
