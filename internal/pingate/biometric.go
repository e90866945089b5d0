package pingate

import "fmt"

// Authenticator classes accepted by the biometric prompt.
type Authenticator int

const (
	AuthenticatorStrong Authenticator = 0x000F
	AuthenticatorWeak   Authenticator = 0x00FF

	AllowedAuthenticators = AuthenticatorStrong | AuthenticatorWeak
)

// Prompt describes the biometric prompt offered on the VERIFY screen.
type Prompt struct {
	Title          string        `json:"title"`
	Subtitle       string        `json:"subtitle"`
	NegativeButton string        `json:"negativeButton"`
	Authenticators Authenticator `json:"authenticators"`
}

var DefaultPrompt = Prompt{
	Title:          "Unlock FamilyTrack",
	Subtitle:       "Use your fingerprint or face to continue",
	NegativeButton: "Use PIN",
	Authenticators: AllowedAuthenticators,
}

type BiometricOutcome int

const (
	BiometricSuccess BiometricOutcome = iota
	// BiometricCanceled is a user cancel; it is not an error.
	BiometricCanceled
	// BiometricNegativeButton is the "Use PIN" button; it is not an error.
	BiometricNegativeButton
	BiometricError
)

func (o BiometricOutcome) String() string {
	switch o {
	case BiometricSuccess:
		return "success"
	case BiometricCanceled:
		return "canceled"
	case BiometricNegativeButton:
		return "negative_button"
	case BiometricError:
		return "error"
	default:
		return fmt.Sprintf("BiometricOutcome(%d)", int(o))
	}
}

// BiometricResult is what the biometric prompt reported.
type BiometricResult struct {
	Outcome BiometricOutcome
	Message string
}

// ParseBiometricResult maps a wire outcome name onto a result.
func ParseBiometricResult(outcome, message string) (BiometricResult, error) {
	for _, o := range []BiometricOutcome{BiometricSuccess, BiometricCanceled, BiometricNegativeButton, BiometricError} {
		if o.String() == outcome {
			if o == BiometricError && message == "" {
				message = "biometric authentication failed"
			}
			return BiometricResult{Outcome: o, Message: message}, nil
		}
	}
	return BiometricResult{}, fmt.Errorf("unknown biometric outcome %q", outcome)
}
