package events

import (
	"fmt"
	"strings"
)

// Subject naming conventions for NATS.
//
// Hierarchy:
//   callserver.calls.<call_sid>.status.<call_status>  - Every status change
//   callserver.calls.<call_sid>.ended                 - Terminal status reached
//
// Wildcard subscriptions:
//   callserver.calls.>                                - All call events
//   callserver.calls.*.ended                          - All call.ended events
//   callserver.calls.<call_sid>.>                     - All events for one call

const (
	// SubjectPrefix is the root of all callserver subjects
	SubjectPrefix = "callserver"

	SubjectCalls      = SubjectPrefix + ".calls"
	SubjectCallStatus = "status"
	SubjectCallEnded  = "ended"
)

// CallSubject builds a subject for a specific call event.
// Example: CallSubject("CA123", "ended") => "callserver.calls.CA123.ended"
func CallSubject(callSid string, suffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCalls, sanitizeToken(callSid), suffix)
}

// StatusSubject builds the subject of a status change.
// Example: StatusSubject("CA123", "in-progress") => "callserver.calls.CA123.status.in-progress"
func StatusSubject(callSid, status string) string {
	return CallSubject(callSid, SubjectCallStatus+"."+sanitizeToken(status))
}

// Subject patterns for common consumer configurations
var (
	PatternAllCalls  = SubjectCalls + ".>"
	PatternCallEnded = SubjectCalls + ".*." + SubjectCallEnded
)

// sanitizeToken keeps subject tokens free of separators and wildcards.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}

// MatchSubject reports whether subject matches pattern. Pattern tokens may
// be "*" (exactly one token) or a trailing ">" (one or more tokens).
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
