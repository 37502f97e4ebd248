// Package delivery sends user messages through the conversation
// pipeline reliably: it classifies send failures, retries the
// retryable ones with capped exponential backoff and jitter, and
// parks messages in a persistent FIFO queue while connectivity is
// down. The offline queue and retry records are mutated only through
// the [Manager] — callers never touch them directly, whichever
// trigger (new send, manual retry, connectivity recovery) got there
// first.
package delivery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/dleffel/trainer-agent/internal/llm"
)

// Class is the failure classification of one send attempt.
type Class int

const (
	// ClassNetwork is a connection-level failure: refused, reset,
	// unreachable, DNS.
	ClassNetwork Class = iota

	// ClassTimeout is a deadline hit, ours or the transport's.
	ClassTimeout

	// ClassServer is a 5xx from the provider.
	ClassServer

	// ClassRateLimit is a 429.
	ClassRateLimit

	// ClassAuth is a 401 or 403. Retrying with the same credentials
	// cannot help.
	ClassAuth

	// ClassUnknown is anything else.
	ClassUnknown
)

// String returns the class name used in logs and error text.
func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassTimeout:
		return "timeout"
	case ClassServer:
		return "server"
	case ClassRateLimit:
		return "rate-limit"
	case ClassAuth:
		return "authentication"
	default:
		return "unknown"
	}
}

// Retryable reports whether automatic retry makes sense for this
// class. Auth and unknown failures go straight to a terminal state.
func (c Class) Retryable() bool {
	switch c {
	case ClassNetwork, ClassTimeout, ClassServer, ClassRateLimit:
		return true
	}
	return false
}

// Classify maps a send error to its failure class. Timeout is checked
// before network: a net.OpError carrying a deadline is a timeout, not
// a connection problem.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimit
		case apiErr.StatusCode == http.StatusUnauthorized,
			apiErr.StatusCode == http.StatusForbidden:
			return ClassAuth
		case apiErr.StatusCode >= 500:
			return ClassServer
		default:
			return ClassUnknown
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassNetwork
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH,
			syscall.EPIPE:
			return ClassNetwork
		}
	}

	return ClassUnknown
}
