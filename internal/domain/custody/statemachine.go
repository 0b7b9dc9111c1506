package custody

// statusTransitions lists the outbound moves allowed from each specimen status.
var statusTransitions = map[Status][]Status{
	StatusAvailable:      {StatusUnavailable, StatusUnsatisfactory},
	StatusUnavailable:    {StatusAvailable},
	StatusUnsatisfactory: {StatusAvailable, StatusEnteredInError},
	StatusEnteredInError: {},
}

func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Terminal reports whether no event may touch a specimen in this status.
func (s Status) Terminal() bool {
	allowed, ok := statusTransitions[s]
	return ok && len(allowed) == 0
}

// ValidateTransition checks a status move. Keeping the same status is allowed
// (a location-only change) unless the status is terminal.
func ValidateTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return &InvalidStatusTransitionError{From: from, To: to}
	}
	if from.Terminal() {
		return &InvalidStatusTransitionError{From: from, To: to}
	}
	if from == to {
		return nil
	}
	for _, s := range statusTransitions[from] {
		if s == to {
			return nil
		}
	}
	return &InvalidStatusTransitionError{From: from, To: to}
}
