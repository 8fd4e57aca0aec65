package paymentintent

// Outcome is the recovery verdict of one attempt. CorrelatedSessionID is
// empty when no session could be tied to the attempt.
type Outcome struct {
	AttemptID           string
	CorrelatedSessionID string
	IsLostPayment       bool
	IsRecoveredFailure  bool
}

// SessionLookup returns the session an attempt is attributed to, if any.
type SessionLookup func(attemptID string) (string, bool)

// Recover derives lost and recovered flags. A failure counts as recovered
// when the retry group or the correlated session later produced a success;
// it counts as lost when neither ever did.
func Recover(attempts []Attempt, sessionOf SessionLookup) []Outcome {
	sessionSucceeded := map[string]bool{}
	sessions := make([]string, len(attempts))
	for i, a := range attempts {
		if sessionOf == nil {
			continue
		}
		if session, ok := sessionOf(a.ID); ok {
			sessions[i] = session
			if a.Succeeded() {
				sessionSucceeded[session] = true
			}
		}
	}

	out := make([]Outcome, len(attempts))
	for i, a := range attempts {
		session := sessions[i]
		recovered := a.IntentEventuallySucceeded || (session != "" && sessionSucceeded[session])
		out[i] = Outcome{
			AttemptID:           a.ID,
			CorrelatedSessionID: session,
			IsLostPayment:       a.Failed() && !recovered,
			IsRecoveredFailure:  a.Failed() && a.IsFirstAttempt && recovered,
		}
	}
	return out
}
