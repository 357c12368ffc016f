// Package webhook delivers call-status notifications and fetches
// application instructions over HTTP.
package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Hook describes an HTTP callback. In application data it may be written as a
// bare URL string or as an object.
type Hook struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

// IsZero reports whether the hook has no URL.
func (h Hook) IsZero() bool {
	return strings.TrimSpace(h.URL) == ""
}

// HTTPMethod returns the configured method, POST by default.
func (h Hook) HTTPMethod() string {
	if h.Method == "" {
		return http.MethodPost
	}
	return strings.ToUpper(h.Method)
}

func (h *Hook) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		h.URL = s
		h.Method = ""
		return nil
	}

	type plain Hook
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.New("hook must be a URL string or an object with a url")
	}
	*h = Hook(p)
	return nil
}
