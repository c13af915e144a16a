package negotiation

type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateAnswerPending
	StateOfferReceived
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerPending:
		return "answer-pending"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerSent:
		return "answer-sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// awaitingAnswer は自分が Offer を出して Answer を待っている状態です。
func (s State) awaitingAnswer() bool {
	return s == StateOfferSent || s == StateAnswerPending
}

// answering は相手の Offer に応答中の状態です。
func (s State) answering() bool {
	return s == StateOfferReceived || s == StateAnswerSent
}

func (s State) Terminal() bool {
	return s == StateConnected || s == StateClosed
}
