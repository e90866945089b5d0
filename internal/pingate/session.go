package pingate

import "fmt"

// PinLength is the number of digits in a PIN.
const PinLength = 4

const (
	MsgMismatch   = "PINs do not match"
	MsgIncorrect  = "incorrect PIN"
	MsgSaveFailed = "could not save PIN"
)

type Mode int

const (
	ModeCreate Mode = iota + 1
	ModeConfirm
	ModeVerify
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "CREATE"
	case ModeConfirm:
		return "CONFIRM"
	case ModeVerify:
		return "VERIFY"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Action is the side effect a caller must perform after Press.
type Action int

const (
	ActionNone Action = iota
	// ActionPersist: store the hash of Entered, then call Persisted.
	ActionPersist
	// ActionVerify: compare Entered with the stored hash, then call Verified.
	ActionVerify
)

// Session is one pass through the gate. Transitions return a new value and never do IO.
type Session struct {
	Mode          Mode
	Entered       string
	PendingFirst  string
	Error         string
	Authenticated bool
}

// NewSession starts in VERIFY when a PIN is stored and in CREATE otherwise.
func NewSession(pinSet bool) Session {
	if pinSet {
		return Session{Mode: ModeVerify}
	}
	return Session{Mode: ModeCreate}
}

// Press appends a digit. Non-digits and presses beyond PinLength are ignored.
func (s Session) Press(d rune) (Session, Action) {
	if s.Authenticated || d < '0' || d > '9' || len(s.Entered) >= PinLength {
		return s, ActionNone
	}

	s.Entered += string(d)
	s.Error = ""
	if len(s.Entered) < PinLength {
		return s, ActionNone
	}

	switch s.Mode {
	case ModeCreate:
		s.Mode = ModeConfirm
		s.PendingFirst = s.Entered
		s.Entered = ""
		return s, ActionNone
	case ModeConfirm:
		if s.Entered != s.PendingFirst {
			return Session{Mode: ModeCreate, Error: MsgMismatch}, ActionNone
		}
		return s, ActionPersist
	case ModeVerify:
		return s, ActionVerify
	default:
		return s, ActionNone
	}
}

// Persisted completes a CONFIRM after the caller tried to store the PIN.
func (s Session) Persisted(ok bool) Session {
	if !ok {
		return Session{Mode: ModeCreate, Error: MsgSaveFailed}
	}
	return Session{Mode: s.Mode, Authenticated: true}
}

// Verified completes a VERIFY after the caller compared the PIN.
func (s Session) Verified(ok bool) Session {
	if !ok {
		return Session{Mode: ModeVerify, Error: MsgIncorrect}
	}
	return Session{Mode: ModeVerify, Authenticated: true}
}

// Delete drops the last entered digit and clears the error.
func (s Session) Delete() Session {
	if s.Authenticated || s.Entered == "" {
		return s
	}
	s.Entered = s.Entered[:len(s.Entered)-1]
	s.Error = ""
	return s
}

// Biometric applies a biometric prompt result. Success only counts in VERIFY and when
// biometric unlock is enabled.
func (s Session) Biometric(r BiometricResult, enabled bool) Session {
	if s.Authenticated {
		return s
	}
	switch r.Outcome {
	case BiometricSuccess:
		if s.Mode == ModeVerify && enabled {
			return Session{Mode: ModeVerify, Authenticated: true}
		}
	case BiometricError:
		s.Error = r.Message
	}
	return s
}
