// Package ice parses remote ICE candidates received through the relay.
package ice

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/pion/webrtc/v4"
)

var ErrMalformedCandidate = errors.New("invalid candidate string format")

// candidate:<foundation> <component> <protocol> <priority> <ip> <port> typ <type>
// Anchored at the start only: trailing extension attributes (raddr, rport,
// generation, ufrag...) are accepted and passed through untouched.
var candidateRe = regexp.MustCompile(`^candidate:(\d+) (\d) (\w+) (\d+) (\S+) (\d+) typ (\w+)`)

// Payload is the candidate message as sent by a viewer.
type Payload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type Candidate struct {
	Foundation string
	Component  uint16
	Protocol   string
	Priority   uint32
	Address    string
	Port       uint16
	Type       string

	raw string
}

func ParseCandidate(s string) (Candidate, error) {
	m := candidateRe.FindStringSubmatch(s)
	if m == nil {
		return Candidate{}, fmt.Errorf("%w: %q", ErrMalformedCandidate, s)
	}
	component, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: component: %w", ErrMalformedCandidate, err)
	}
	priority, err := strconv.ParseUint(m[4], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: priority: %w", ErrMalformedCandidate, err)
	}
	port, err := strconv.ParseUint(m[6], 10, 16)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: port: %w", ErrMalformedCandidate, err)
	}
	return Candidate{
		Foundation: m[1],
		Component:  uint16(component),
		Protocol:   m[3],
		Priority:   uint32(priority),
		Address:    m[5],
		Port:       uint16(port),
		Type:       m[7],
		raw:        s,
	}, nil
}

// Init converts the candidate for the peer connection, carrying the media
// line association from the payload.
func (c Candidate) Init(sdpMid *string, sdpMLineIndex *uint16) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.raw,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	}
}

func (c Candidate) String() string { return c.raw }
