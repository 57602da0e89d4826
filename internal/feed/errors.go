package feed

import (
	"fmt"
	"net/http"
)

// OpError is a transport-neutral feed operation error. Code is the numeric
// value of the endpoint's error enum; Message is its name.
type OpError struct {
	StatusCode int
	Code       int
	Message    string
	// Err is the underlying cause of an internal error. It is logged, never
	// rendered.
	Err error
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// internalError wraps an unexpected failure as a 500.
func internalError(event string, err error) *OpError {
	return &OpError{
		StatusCode: http.StatusInternalServerError,
		Message:    "InternalServerError",
		Err:        fmt.Errorf("%s: %w", event, err),
	}
}

// errorCode is implemented by every per-endpoint code enum.
type errorCode interface {
	~int
	String() string
}

func opError[C errorCode](status int, code C) *OpError {
	return &OpError{StatusCode: status, Code: int(code), Message: code.String()}
}

// The numeric values below are part of the wire contract.

type GetCommandsErrorCode int

const (
	GetCommandsClientVersionTooOld       GetCommandsErrorCode = 1
	GetCommandsEnforceValidationRequired GetCommandsErrorCode = 2
	GetCommandsBlocked                   GetCommandsErrorCode = 3
	GetCommandsTooManyRequests           GetCommandsErrorCode = 4
)

func (c GetCommandsErrorCode) String() string {
	switch c {
	case GetCommandsClientVersionTooOld:
		return "ClientVersionTooOld"
	case GetCommandsEnforceValidationRequired:
		return "EnforceValidationRequired"
	case GetCommandsBlocked:
		return "Blocked"
	case GetCommandsTooManyRequests:
		return "TooManyRequests"
	default:
		return fmt.Sprintf("GetCommandsErrorCode(%d)", int(c))
	}
}

type CheckpointErrorCode int

const (
	CheckpointInvalidLeaseExtension            CheckpointErrorCode = 1
	CheckpointLeaseReceiptAgentIDMismatch      CheckpointErrorCode = 2
	CheckpointCommandNotFound                  CheckpointErrorCode = 3
	CheckpointCommandAlreadyCompleted          CheckpointErrorCode = 4
	CheckpointInvalidVariantsSpecified         CheckpointErrorCode = 5
	CheckpointInvalidCommandStatus             CheckpointErrorCode = 6
	CheckpointDelinkNotAllowed                 CheckpointErrorCode = 7
	CheckpointLeaseReceiptConflict             CheckpointErrorCode = 8
	CheckpointMalformedLeaseReceipt            CheckpointErrorCode = 9
	CheckpointUnknownPrivacyCommandStatus      CheckpointErrorCode = 10
	CheckpointAgentStateExceedsMaxSizeAllowed  CheckpointErrorCode = 11
	CheckpointLeaseReceiptAssetGroupIDMismatch CheckpointErrorCode = 12
	CheckpointLeaseReceiptNotSupported         CheckpointErrorCode = 13
	CheckpointThrottle                         CheckpointErrorCode = 14
	CheckpointCommandAlreadyExpired            CheckpointErrorCode = 15
	CheckpointTooManyRequests                  CheckpointErrorCode = 16
)

var checkpointErrorNames = map[CheckpointErrorCode]string{
	CheckpointInvalidLeaseExtension:            "InvalidLeaseExtension",
	CheckpointLeaseReceiptAgentIDMismatch:      "LeaseReceiptAgentIdMismatch",
	CheckpointCommandNotFound:                  "CommandNotFound",
	CheckpointCommandAlreadyCompleted:          "CommandAlreadyCompleted",
	CheckpointInvalidVariantsSpecified:         "InvalidVariantsSpecified",
	CheckpointInvalidCommandStatus:             "InvalidCommandStatus",
	CheckpointDelinkNotAllowed:                 "DelinkNotAllowed",
	CheckpointLeaseReceiptConflict:             "LeaseReceiptConflict",
	CheckpointMalformedLeaseReceipt:            "MalformedLeaseReceipt",
	CheckpointUnknownPrivacyCommandStatus:      "UnknownPrivacyCommandStatus",
	CheckpointAgentStateExceedsMaxSizeAllowed:  "AgentStateExceedsMaxSizeAllowed",
	CheckpointLeaseReceiptAssetGroupIDMismatch: "LeaseReceiptAssetGroupIdMismatch",
	CheckpointLeaseReceiptNotSupported:         "LeaseReceiptNotSupported",
	CheckpointThrottle:                         "Throttle",
	CheckpointCommandAlreadyExpired:            "CommandAlreadyExpired",
	CheckpointTooManyRequests:                  "TooManyRequests",
}

func (c CheckpointErrorCode) String() string {
	if name, ok := checkpointErrorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CheckpointErrorCode(%d)", int(c))
}

type QueryCommandErrorCode int

const (
	QueryLeaseReceiptAgentIDMismatch     QueryCommandErrorCode = 2
	QueryCommandNotFound                 QueryCommandErrorCode = 3
	QueryCommandAlreadyCompleted         QueryCommandErrorCode = 4
	QueryLeaseReceiptAssetGroupIDInvalid QueryCommandErrorCode = 6
	QueryMalformedLeaseReceipt           QueryCommandErrorCode = 9
	QueryLeaseReceiptNotSupported        QueryCommandErrorCode = 13
	QueryCommandNotQueryable             QueryCommandErrorCode = 14
)

func (c QueryCommandErrorCode) String() string {
	switch c {
	case QueryLeaseReceiptAgentIDMismatch:
		return "LeaseReceiptAgentIdMismatch"
	case QueryCommandNotFound:
		return "CommandNotFound"
	case QueryCommandAlreadyCompleted:
		return "CommandAlreadyCompleted"
	case QueryLeaseReceiptAssetGroupIDInvalid:
		return "LeaseReceiptAssetGroupIdInvalid"
	case QueryMalformedLeaseReceipt:
		return "MalformedLeaseReceipt"
	case QueryLeaseReceiptNotSupported:
		return "LeaseReceiptNotSupported"
	case QueryCommandNotQueryable:
		return "CommandNotQueryable"
	default:
		return fmt.Sprintf("QueryCommandErrorCode(%d)", int(c))
	}
}

type ReplayErrorCode int

const (
	ReplayInvalidReplayDates              ReplayErrorCode = 1
	ReplayMalformedAssetQualifier         ReplayErrorCode = 2
	ReplayAssetQualifierNotFound          ReplayErrorCode = 3
	ReplayAgentNotAllowed                 ReplayErrorCode = 4
	ReplayCommandsExceedsMaxNumberAllowed ReplayErrorCode = 5
	ReplayInvalidCommandIDs               ReplayErrorCode = 6
)

func (c ReplayErrorCode) String() string {
	switch c {
	case ReplayInvalidReplayDates:
		return "InvalidReplayDates"
	case ReplayMalformedAssetQualifier:
		return "MalformedAssetQualifier"
	case ReplayAssetQualifierNotFound:
		return "AssetQualifierNotFound"
	case ReplayAgentNotAllowed:
		return "AgentNotAllowed"
	case ReplayCommandsExceedsMaxNumberAllowed:
		return "CommandsExceedsMaxNumberAllowed"
	case ReplayInvalidCommandIDs:
		return "InvalidCommandIds"
	default:
		return fmt.Sprintf("ReplayErrorCode(%d)", int(c))
	}
}

// badRequest builds a 400 for endpoints whose errors carry free text rather
// than an enum value.
func badRequest(msg string) *OpError {
	return &OpError{StatusCode: http.StatusBadRequest, Message: msg}
}
