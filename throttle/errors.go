package throttle

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Kind klassifiziert einen fehlgeschlagenen externen Aufruf.
type Kind int

const (
	// Transient: Timeouts, 5xx, 429, Verbindungsabbrüche. Wird wiederholt.
	Transient Kind = iota + 1
	// Permanent: 4xx, kaputte Antworten. Wird nicht wiederholt.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var (
	ErrTransient = errors.New("transient provider error")
	ErrPermanent = errors.New("permanent provider error")
)

// FetchError ist der endgültige Fehler eines gedrosselten Aufrufs.
type FetchError struct {
	Source   string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s call to %s failed after %d attempt(s): %v", e.Kind, e.Source, e.Attempts, e.Err)
}

// Unwrap liefert Ursache und Sentinel, errors.Is funktioniert für beide.
func (e *FetchError) Unwrap() []error {
	if e.Kind == Transient {
		return []error{e.Err, ErrTransient}
	}
	return []error{e.Err, ErrPermanent}
}

// IsTransient meldet, ob err transient ist.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsPermanent meldet, ob err permanent ist.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// StatusError ist eine HTTP-Antwort außerhalb von 2xx.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// MarkTransient erzwingt, dass err wiederholt wird.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: Transient, err: err}
}

// MarkPermanent erzwingt, dass err nicht wiederholt wird.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: Permanent, err: err}
}

// Classify entscheidet, ob err wiederholt werden soll. Der zweite Rückgabewert
// ist eine vom Server verlangte Mindestwartezeit (Retry-After).
func Classify(err error) (Kind, time.Duration) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, 0
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, 0
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode >= 500:
			return Transient, se.RetryAfter
		default:
			return Permanent, 0
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient, 0
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var xmlErr *xml.SyntaxError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &xmlErr) {
		return Permanent, 0
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Transient, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient, 0
	}
	return Permanent, 0
}
