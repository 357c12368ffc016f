package dialer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sebas/callserver/internal/callserver/dialog"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

// TargetType selects how a target's request URI is built.
type TargetType string

const (
	TargetPhone TargetType = "phone"
	TargetUser  TargetType = "user"
	TargetSIP   TargetType = "sip"
)

// Auth are the credentials for a digest challenge from the target.
type Auth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Target describes one destination of an outbound call.
type Target struct {
	Type   TargetType `json:"type"`
	Number string     `json:"number,omitempty"`
	Name   string     `json:"name,omitempty"`
	SipURI string     `json:"sipUri,omitempty"`
	// Trunk is the host phone numbers are sent to.
	Trunk   string            `json:"trunk,omitempty"`
	Auth    *Auth             `json:"auth,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// ConfirmHook returns instructions run against the answered leg before
	// it is accepted.
	ConfirmHook *webhook.Hook `json:"confirmHook,omitempty"`
}

// Validate checks the fields required by the target type.
func (t Target) Validate() error {
	switch t.Type {
	case TargetPhone:
		if strings.TrimSpace(t.Number) == "" {
			return errors.New("phone target requires a number")
		}
	case TargetUser:
		if strings.TrimSpace(t.Name) == "" {
			return errors.New("user target requires a name")
		}
	case TargetSIP:
		if strings.TrimSpace(t.SipURI) == "" {
			return errors.New("sip target requires a sipUri")
		}
	default:
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	return nil
}

// RequestURI resolves the target to a SIP request URI. trunk and domain are
// used when the target does not carry its own.
func (t Target) RequestURI(trunk, domain string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	switch t.Type {
	case TargetPhone:
		host := t.Trunk
		if host == "" {
			host = trunk
		}
		if host == "" {
			return "", fmt.Errorf("no trunk to reach %s", t.Number)
		}
		return "sip:" + strings.TrimSpace(t.Number) + "@" + host, nil
	case TargetUser:
		name := strings.TrimSpace(t.Name)
		if strings.Contains(name, "@") {
			return "sip:" + strings.TrimPrefix(name, "sip:"), nil
		}
		if domain == "" {
			return "", fmt.Errorf("no domain to reach user %s", name)
		}
		return "sip:" + name + "@" + domain, nil
	default:
		uri := strings.TrimSpace(t.SipURI)
		if !strings.HasPrefix(uri, "sip:") && !strings.HasPrefix(uri, "sips:") {
			uri = "sip:" + uri
		}
		return uri, nil
	}
}

// Display is the value reported as the call's "to".
func (t Target) Display() string {
	switch t.Type {
	case TargetPhone:
		return t.Number
	case TargetUser:
		return t.Name
	default:
		return t.SipURI
	}
}

func (t Target) credentials(fallback *dialog.Credentials) *dialog.Credentials {
	if t.Auth != nil && t.Auth.Username != "" {
		return &dialog.Credentials{Username: t.Auth.Username, Password: t.Auth.Password}
	}
	return fallback
}
