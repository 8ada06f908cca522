package odoo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/kolo/xmlrpc"
)

// faultCodeAccessDenied is the XML-RPC fault code Odoo uses for rejected credentials
const faultCodeAccessDenied = 3

var (
	// ErrUnknownSelection is returned when a local value has no matching option
	// in a remote selection field.
	ErrUnknownSelection = errors.New("odoo: value not in remote selection")
	// ErrUnknownField is returned when a model does not expose a field.
	ErrUnknownField = errors.New("odoo: unknown field")
)

// AuthError means no remote session could be established. It is fatal for a run.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("odoo: authentication failed for %q: %v", e.Username, e.Err)
	}
	return fmt.Sprintf("odoo: authentication failed for %q", e.Username)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteWriteError is a create/write/unlink rejected by Odoo.
type RemoteWriteError struct {
	Model   string
	Method  string
	Code    int
	Message string
	Err     error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("odoo: %s.%s rejected: %s", e.Model, e.Method, e.Message)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

// TransientError is a network level failure that survived all retries.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("odoo: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

var faultPattern = regexp.MustCompile(`Fault\((-?\d+)\): (?s)(.*)`)

// parseFault extracts an XML-RPC fault from err. net/rpc sometimes flattens
// the typed fault into a string, so the text form is parsed as well.
func parseFault(err error) (xmlrpc.FaultError, bool) {
	if err == nil {
		return xmlrpc.FaultError{}, false
	}
	var fault xmlrpc.FaultError
	if errors.As(err, &fault) {
		return fault, true
	}
	var faultPtr *xmlrpc.FaultError
	if errors.As(err, &faultPtr) && faultPtr != nil {
		return *faultPtr, true
	}
	if m := faultPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return xmlrpc.FaultError{Code: code, String: m[2]}, true
	}
	return xmlrpc.FaultError{}, false
}

// isSessionExpired reports faults that a fresh authentication can fix
func isSessionExpired(err error) bool {
	fault, ok := parseFault(err)
	if !ok {
		return false
	}
	if fault.Code == faultCodeAccessDenied {
		return true
	}
	msg := strings.ToLower(fault.String)
	return strings.Contains(msg, "accessdenied") ||
		strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "session expired") ||
		strings.Contains(msg, "sessionexpired")
}

var badStatusPattern = regexp.MustCompile(`bad status code - (\d{3})`)

// isTransient reports network level errors worth retrying. Faults never are.
// mutating lists execute_kw methods that change remote state. A failed
// mutating call may still have been applied, so it is retried only when
// the request never reached the server.
var mutating = map[string]bool{"create": true, "write": true, "unlink": true}

// notSent reports whether err happened before the request was written
func notSent(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := parseFault(err); ok {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if m := badStatusPattern.FindStringSubmatch(err.Error()); m != nil {
		switch m[1] {
		case "429", "502", "503", "504":
			return true
		}
	}
	return false
}

// writeError converts a fault on a mutating call into a RemoteWriteError
func writeError(model, method string, err error) error {
	if fault, ok := parseFault(err); ok {
		return &RemoteWriteError{
			Model:   model,
			Method:  method,
			Code:    fault.Code,
			Message: firstLine(fault.String),
			Err:     err,
		}
	}
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
