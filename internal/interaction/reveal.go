package interaction

import (
	"strings"
	"time"
)

type RevealPhase string

const (
	RevealEmpty        RevealPhase = "empty"
	RevealOneResponded RevealPhase = "one_responded"
	RevealRevealed     RevealPhase = "revealed"
)

type Response struct {
	Value string    `json:"value"`
	At    time.Time `json:"at"`
}

// Reveal hides each participant's response until both have committed one.
type Reveal struct {
	Participants [2]string           `json:"participants"`
	Responses    map[string]Response `json:"responses"`
	RevealedAt   *time.Time          `json:"revealedAt,omitempty"`
}

// RevealView is what a single participant may see of a Reveal. Waiting is
// true when the caller has answered and the partner has not.
type RevealView struct {
	Phase      RevealPhase `json:"phase"`
	Mine       *Response   `json:"mine"`
	Partner    *Response   `json:"partner"`
	Waiting    bool        `json:"waiting"`
	RevealedAt *time.Time  `json:"revealedAt,omitempty"`
}

func NewReveal(participantA, participantB string) Reveal {
	return Reveal{
		Participants: [2]string{participantA, participantB},
		Responses:    map[string]Response{},
	}
}

// Phase is derived from the number of responses.
func (r Reveal) Phase() RevealPhase {
	switch len(r.Responses) {
	case 0:
		return RevealEmpty
	case 1:
		return RevealOneResponded
	default:
		return RevealRevealed
	}
}

// Responder is the participant who answered first, while the phase is
// OneResponded.
func (r Reveal) Responder() string {
	if r.Phase() != RevealOneResponded {
		return ""
	}
	for id := range r.Responses {
		return id
	}
	return ""
}

func (r Reveal) isMember(id string) bool {
	return id != "" && (id == r.Participants[0] || id == r.Participants[1])
}

func (r Reveal) partnerOf(id string) string {
	if id == r.Participants[0] {
		return r.Participants[1]
	}
	return r.Participants[0]
}

// Submit records participant's response. A committed response is never
// overwritten, and nothing may be submitted once the interaction is revealed.
func (r *Reveal) Submit(participant, value string, at time.Time) error {
	if !r.isMember(participant) {
		return ErrNotParticipant
	}
	if strings.TrimSpace(value) == "" {
		return ErrInvalidValue
	}
	if r.Phase() == RevealRevealed {
		return ErrAlreadyResponded
	}
	if _, ok := r.Responses[participant]; ok {
		return ErrAlreadyResponded
	}
	if r.Responses == nil {
		r.Responses = map[string]Response{}
	}
	r.Responses[participant] = Response{Value: value, At: at}
	if r.Phase() == RevealRevealed {
		revealed := at
		r.RevealedAt = &revealed
	}
	return nil
}

// ViewFor returns caller's projection: only their own response until the
// interaction is revealed, both responses afterwards.
func (r Reveal) ViewFor(caller string) RevealView {
	view := RevealView{Phase: r.Phase()}
	if !r.isMember(caller) {
		return view
	}
	if mine, ok := r.Responses[caller]; ok {
		m := mine
		view.Mine = &m
	}
	if view.Phase != RevealRevealed {
		view.Waiting = view.Mine != nil
		return view
	}
	if partner, ok := r.Responses[r.partnerOf(caller)]; ok {
		p := partner
		view.Partner = &p
	}
	view.RevealedAt = r.RevealedAt
	return view
}
