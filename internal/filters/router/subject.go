package router

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"openfms/rpcproxy/internal/dubbo"
)

// ErrInvalidSubject is returned for names that cannot be carried as a NATS subject.
var ErrInvalidSubject = errors.New("router: invalid subject")

// Subject returns the upstream subject serving inv. Service names may be
// dotted; the method must be a single token.
func (c Config) Subject(inv *dubbo.RPCInvocation) (string, error) {
	if strings.Contains(inv.Method, ".") {
		return "", fmt.Errorf("%w: method %q", ErrInvalidSubject, inv.Method)
	}
	parts := make([]string, 0, 3)
	if c.SubjectPrefix != "" {
		parts = append(parts, c.SubjectPrefix)
	}
	subject := strings.Join(append(parts, inv.Service, inv.Method), ".")
	if err := ValidateSubject(subject); err != nil {
		return "", err
	}
	return subject, nil
}

// ValidateSubject accepts only literal subjects: non-empty dot separated
// tokens without wildcards, whitespace or control characters.
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSubject)
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" || token == "*" || token == ">" {
			return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
		}
		for _, r := range token {
			if r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar {
				return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
			}
		}
	}
	return nil
}
