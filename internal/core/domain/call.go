package domain

import (
	"fmt"
	"strings"
)

type CallID string
type PeerID string

// PeerRole decides who yields when both peers negotiate at once.
type PeerRole int

const (
	RolePolite PeerRole = iota
	RoleImpolite
)

func (r PeerRole) String() string {
	switch r {
	case RolePolite:
		return "polite"
	case RoleImpolite:
		return "impolite"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// AssignRole derives the local role from the two stable peer identifiers.
// The peer with the lexicographically lower ID is polite, so both sides
// reach complementary answers without exchanging anything.
func AssignRole(local, remote PeerID) (PeerRole, error) {
	switch strings.Compare(string(local), string(remote)) {
	case -1:
		return RolePolite, nil
	case 1:
		return RoleImpolite, nil
	default:
		return RolePolite, ErrIdenticalPeerIDs
	}
}

// VisibilityState mirrors whether the host page is in the foreground.
type VisibilityState int

const (
	Visible VisibilityState = iota
	Hidden
)

func (v VisibilityState) String() string {
	if v == Hidden {
		return "hidden"
	}
	return "visible"
}

// ParseVisibility accepts "visible" or "hidden".
func ParseVisibility(s string) (VisibilityState, error) {
	switch strings.ToLower(s) {
	case "visible":
		return Visible, nil
	case "hidden":
		return Hidden, nil
	default:
		return Visible, fmt.Errorf("unknown visibility state %q", s)
	}
}

// TrackKind identifies a local media track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)
