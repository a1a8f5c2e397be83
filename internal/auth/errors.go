package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountLocked       = errors.New("auth: account locked")
	ErrAccountInactive     = errors.New("auth: account inactive")
	ErrInvalidAssertion    = errors.New("auth: invalid identity assertion")
	ErrProviderUnreachable = errors.New("auth: identity provider unreachable")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrTokenExpired        = errors.New("auth: token expired")
	ErrTokenBlacklisted    = errors.New("auth: token blacklisted")
	ErrPolicyViolation     = errors.New("auth: password policy violation")
	ErrNotFound            = errors.New("auth: not found")
	ErrConflict            = errors.New("auth: resource conflict")
	ErrInvalidInput        = errors.New("auth: invalid input")
)

// LockedError carries the moment the lockout window ends so callers can
// surface a retry-after hint. It unwraps to ErrAccountLocked.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// RetryAfter reports how long the caller should wait before retrying.
func (e *LockedError) RetryAfter(now time.Time) time.Duration {
	if d := e.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// PolicyError lists the reasons a password was rejected by the policy
// collaborator. It unwraps to ErrPolicyViolation.
type PolicyError struct {
	Reasons []string
}

func (e *PolicyError) Error() string {
	return "auth: password policy violation: " + strings.Join(e.Reasons, "; ")
}

func (e *PolicyError) Unwrap() error { return ErrPolicyViolation }
