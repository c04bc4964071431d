package model

// Person is a named analyst or expert offered to the user.
type Person struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Title     string `json:"title"`
	Specialty string `json:"specialty"`
}

// LadderOffer is one rung of the value ladder.
type LadderOffer struct {
	Available bool    `json:"available"`
	Match     *Person `json:"match,omitempty"`
	CTA       string  `json:"cta"`
}

// ValueLadder holds the progressive-disclosure offers attached to a response.
type ValueLadder struct {
	AnalystConnect *LadderOffer `json:"analystConnect,omitempty"`
	ExpertDeepDive *LadderOffer `json:"expertDeepDive,omitempty"`
	Community      *LadderOffer `json:"community,omitempty"`
}

// Empty reports whether no rung is offered.
func (v ValueLadder) Empty() bool {
	return v.AnalystConnect == nil && v.ExpertDeepDive == nil && v.Community == nil
}
