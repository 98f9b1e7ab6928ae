package lockout

import (
	"errors"
	"fmt"
	"time"
)

// Step imposes Cooldown once the failed-attempt count reaches After.
type Step struct {
	After    int           `yaml:"after"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// Policy is the escalation table. Reaching MaxAttempts wipes the device key.
type Policy struct {
	MaxAttempts int    `yaml:"maxAttempts"`
	Steps       []Step `yaml:"steps"`
}

var ErrInvalidPolicy = errors.New("invalid lockout policy")

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 6,
		Steps: []Step{
			{After: 3, Cooldown: 30 * time.Second},
			{After: 5, Cooldown: 5 * time.Minute},
		},
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: maxAttempts must be at least 1", ErrInvalidPolicy)
	}
	for _, s := range p.Steps {
		if s.After < 1 || s.After >= p.MaxAttempts {
			return fmt.Errorf("%w: step after=%d must be in [1, maxAttempts)", ErrInvalidPolicy, s.After)
		}
		if s.Cooldown <= 0 {
			return fmt.Errorf("%w: step after=%d needs a positive cooldown", ErrInvalidPolicy, s.After)
		}
	}
	return nil
}

// cooldownFor returns the longest cooldown among steps reached by failed.
// Every failure past a threshold cools down again.
func (p Policy) cooldownFor(failed int) time.Duration {
	var d time.Duration
	for _, s := range p.Steps {
		if failed >= s.After && s.Cooldown > d {
			d = s.Cooldown
		}
	}
	return d
}
