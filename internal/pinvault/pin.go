package pinvault

const (
	MinPinLength = 4
	MaxPinLength = 6
)

// ValidatePinFormat reports whether pin is 4-6 ASCII digits. Callers check
// this before any key derivation.
func ValidatePinFormat(pin string) bool {
	if len(pin) < MinPinLength || len(pin) > MaxPinLength {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}
