package ledger

// transitions lists the legal next states of every non-terminal status.
var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusDenied, StatusFailed, StatusExpired},
	StatusAccepted: {StatusCompleted, StatusFailed, StatusExpired},
}

// CheckTransition validates from -> to against the state table.
func CheckTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
