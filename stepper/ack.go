package stepper

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// State is the state of the stage protocol
type State int

const (
	// Idle is ready for a command
	Idle State = iota

	// Commanding is sending a step chunk
	Commanding

	// AwaitingAck is waiting for the device to acknowledge a chunk
	AwaitingAck

	// LimitReached means the last move stopped on a limit switch.  New
	// commands are accepted.
	LimitReached

	// Faulted means the device said something unexpected or the link failed.
	// Commands are refused until Reset.
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Commanding:
		return "commanding"
	case AwaitingAck:
		return "awaiting-ack"
	case LimitReached:
		return "limit-reached"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Ack is one acknowledgement from the stage firmware
type Ack int

const (
	// AckUnknown is anything that is not one of the three tokens
	AckUnknown Ack = iota
	AckNormal
	AckPositiveLimit
	AckNegativeLimit
)

// the literal acknowledgement tokens sent by the firmware
const (
	tokenNormal   = "normal"
	tokenPosLimit = "pos_limit"
	tokenNegLimit = "neg_limit"
)

// ParseAck classifies one acknowledgement line.  Surrounding whitespace is
// ignored, the token itself must match exactly.
func ParseAck(line string) Ack {
	switch strings.TrimSpace(line) {
	case tokenNormal:
		return AckNormal
	case tokenPosLimit:
		return AckPositiveLimit
	case tokenNegLimit:
		return AckNegativeLimit
	default:
		return AckUnknown
	}
}

// OutcomeKind is how a move ended
type OutcomeKind int

const (
	// Completed means every chunk was acknowledged normally
	Completed OutcomeKind = iota

	// PositiveLimit means the positive limit switch stopped the move
	PositiveLimit

	// NegativeLimit means the negative limit switch stopped the move
	NegativeLimit

	// Cancelled means the caller abandoned the move between chunks
	Cancelled

	// Aborted means a fault or link error ended the move
	Aborted
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case PositiveLimit:
		return "pos_limit"
	case NegativeLimit:
		return "neg_limit"
	case Cancelled:
		return "cancelled"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Position is the calibrated position of the stage.  MM and Steps are tied
// by the StepsPerMM of the controller.
type Position struct {
	MM    float64 `json:"mm"`
	Steps int64   `json:"steps"`
}

// Outcome describes a finished move
type Outcome struct {
	Kind OutcomeKind `json:"kind"`

	// RequestedSteps is the relative move requested, in steps
	RequestedSteps int64 `json:"requestedSteps"`

	// AckedSteps is the sum of the chunks the device acknowledged as normal.
	// On a limit or fault this motion is not committed to Position.
	AckedSteps int64 `json:"ackedSteps"`

	// Chunks is the number of chunk commands sent
	Chunks int `json:"chunks"`

	// Position is the committed position after the move
	Position Position `json:"position"`
}

// StateError is returned when the controller cannot accept a command in its
// current state
type StateError struct {
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("stage is %s, reset before commanding", e.State)
}

// HTTPStatus maps the error to 409 Conflict
func (e *StateError) HTTPStatus() int {
	return http.StatusConflict
}

// ErrFaulted is returned for every command while the controller is Faulted
var ErrFaulted error = &StateError{State: Faulted}

// FaultError is an unrecognized acknowledgement.  It is never retried.
type FaultError struct {
	// Raw is the acknowledgement as received
	Raw string

	// Chunk is the 1-based chunk that drew the acknowledgement
	Chunk int
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("stage fault: unrecognized acknowledgement %q to chunk %d", e.Raw, e.Chunk)
}

// HTTPStatus maps the error to 502 Bad Gateway
func (e *FaultError) HTTPStatus() int {
	return http.StatusBadGateway
}

// LinkError is an I/O failure on the serial link
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("stage link %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error to 503 Service Unavailable
func (e *LinkError) HTTPStatus() int {
	return http.StatusServiceUnavailable
}

// LimitError reports a move stopped by a limit switch to callers that only
// have an error return, such as the generic motion HTTP routes
type LimitError struct {
	Outcome Outcome
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("stage stopped on %s after %d of %d steps", e.Outcome.Kind, e.Outcome.AckedSteps, e.Outcome.RequestedSteps)
}

// HTTPStatus maps the error to 409 Conflict
func (e *LimitError) HTTPStatus() int {
	return http.StatusConflict
}

var (
	// ErrUnknownAxis is returned by the Mover methods for an axis other than
	// the configured one
	ErrUnknownAxis = errors.New("unknown axis")

	// ErrInvalidMove is returned for a NaN or infinite displacement
	ErrInvalidMove = errors.New("displacement must be finite")
)
