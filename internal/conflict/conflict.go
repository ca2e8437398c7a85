// Package conflict names the conflict resolution strategies a client may
// request on push and decides how an incoming change is written.
//
// Every strategy currently resolves the same way: the incoming change
// overwrites the stored row when it exists and is inserted otherwise. No
// version or timestamp comparison takes place. The strategy names are kept
// for protocol compatibility.
package conflict

import (
	"fmt"
	"log/slog"
	"strings"
)

// Strategy is a conflict resolution strategy named by the client.
type Strategy string

// Strategies accepted on push.
const (
	LastWriteWins Strategy = "last-write-wins"
	ServerWins    Strategy = "server-wins"
	ClientWins    Strategy = "client-wins"
	Merge         Strategy = "merge"
	UserChoice    Strategy = "user-choice"
)

// Default is used when the client names no strategy or an unknown one.
const Default = LastWriteWins

// Strategies lists every accepted strategy.
var Strategies = []Strategy{LastWriteWins, ServerWins, ClientWins, Merge, UserChoice}

// Valid reports whether s is one of the accepted strategies.
func (s Strategy) Valid() bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// Parse returns the strategy named by raw, falling back to Default.
func Parse(raw string) Strategy {
	s := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return Default
	}
	if !s.Valid() {
		slog.Warn("Unknown conflict resolution strategy, using default",
			"strategy", raw, "default", Default)
		return Default
	}
	return s
}

// UnmarshalText lets Strategy be decoded leniently from JSON.
func (s *Strategy) UnmarshalText(text []byte) error {
	*s = Parse(string(text))
	return nil
}

// Decision is how an incoming change is written.
type Decision int

const (
	// Insert writes the change as a new row
	Insert Decision = iota
	// Overwrite replaces the supplied fields of the existing row
	Overwrite
)

func (d Decision) String() string {
	switch d {
	case Insert:
		return "insert"
	case Overwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Resolve decides how a change is written given whether the target row
// exists. The strategy does not influence the outcome.
func Resolve(_ Strategy, exists bool) Decision {
	if exists {
		return Overwrite
	}
	return Insert
}

// Counts reports whether a decision counts as a resolved conflict.
func (d Decision) Counts() bool {
	return d == Overwrite
}
