package command

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of privacy command.
type Type string

const (
	TypeDelete       Type = "Delete"
	TypeExport       Type = "Export"
	TypeAccountClose Type = "AccountClose"
	TypeAgeOut       Type = "AgeOut"
)

var allTypes = []Type{TypeDelete, TypeExport, TypeAccountClose, TypeAgeOut}

// ParseType matches a command type name case-insensitively.
func ParseType(raw string) (Type, bool) {
	raw = strings.TrimSpace(raw)
	for _, t := range allTypes {
		if strings.EqualFold(raw, string(t)) {
			return t, true
		}
	}
	return "", false
}

// PrivacyCommand is a unit of privacy work leased to a data agent for one
// asset group. CommandID and AssetGroupID never change after creation;
// checkpoint replace only touches NextVisibleTime and AgentState.
type PrivacyCommand struct {
	CommandID           string    `json:"commandId"`
	AgentID             string    `json:"agentId"`
	AssetGroupID        string    `json:"assetGroupId"`
	AssetGroupQualifier string    `json:"assetGroupQualifier,omitempty"`
	Type                Type      `json:"commandType"`
	Subject             Subject   `json:"subject"`
	CreatedTime         time.Time `json:"timestamp"`
	NextVisibleTime     time.Time `json:"nextVisibleTime"`
	AgentState          string    `json:"agentState,omitempty"`
	CorrelationVector   string    `json:"correlationVector,omitempty"`
	LeaseReceipt        string    `json:"leaseReceipt,omitempty"`

	ApplicableVariants   []string `json:"applicableVariantIds,omitempty"`
	DataTypeIDs          []string `json:"dataTypeIds,omitempty"`
	ProcessorApplicable  bool     `json:"processorApplicable,omitempty"`
	ControllerApplicable bool     `json:"controllerApplicable,omitempty"`
	CloudInstance        string   `json:"cloudInstance,omitempty"`
	Verifier             string   `json:"verifier,omitempty"`
	VerifierV3           string   `json:"verifierV3,omitempty"`
	IsReplay             bool     `json:"isReplay,omitempty"`

	Export *ExportDetails `json:"export,omitempty"`
	Delete *DeleteDetails `json:"delete,omitempty"`
	AgeOut *AgeOutDetails `json:"ageOut,omitempty"`
}

type ExportDetails struct {
	DestinationURI  string `json:"azureBlobContainerTargetUri,omitempty"`
	DestinationPath string `json:"azureBlobContainerPath,omitempty"`
}

type DeleteDetails struct {
	Predicate      map[string]any `json:"predicate,omitempty"`
	TimeRangeStart time.Time      `json:"timeRangeStart"`
	TimeRangeEnd   time.Time      `json:"timeRangeEnd"`
	DataType       string         `json:"dataType,omitempty"`
}

type AgeOutDetails struct {
	LastActive  time.Time `json:"lastActive"`
	IsSuspended bool      `json:"isSuspended,omitempty"`
}

// ExportedFileSize reports the size of one file an agent wrote to an
// export destination.
type ExportedFileSize struct {
	FileName       string `json:"fileName"`
	OriginalSize   int64  `json:"originalSize"`
	CompressedSize int64  `json:"compressedSize"`
	IsCompressed   bool   `json:"isCompressed"`
}

// ForAgent returns the copy of cmd that is sent to an agent. Agents that
// cannot handle multi-tenant collaboration see AAD2 subjects as plain AAD.
func (c PrivacyCommand) ForAgent(multiTenant bool) PrivacyCommand {
	out := c
	if !multiTenant && out.Subject.Type == SubjectAAD2 {
		out.Subject = out.Subject.downgradeAAD2()
	}
	out.ApplicableVariants = append([]string(nil), c.ApplicableVariants...)
	out.DataTypeIDs = append([]string(nil), c.DataTypeIDs...)
	return out
}

// Lifespan is how long a command may live before checkpoints are refused.
func Lifespan(t Type, defaultTTL time.Duration) time.Duration {
	if t == TypeAccountClose {
		return 90 * 24 * time.Hour
	}
	return defaultTTL
}

// Status is the outcome an agent reports through a checkpoint.
type Status int

const (
	StatusPending Status = iota + 1
	StatusSoftDelete
	StatusComplete
	StatusDeidentify
	StatusFailed
	StatusUnexpectedCommand
	StatusVerificationFailed
	StatusUnexpectedVerificationFailure
)

var statusNames = map[Status]string{
	StatusPending:                       "Pending",
	StatusSoftDelete:                    "SoftDelete",
	StatusComplete:                      "Complete",
	StatusDeidentify:                    "Deidentify",
	StatusFailed:                        "Failed",
	StatusUnexpectedCommand:             "UnexpectedCommand",
	StatusVerificationFailed:            "VerificationFailed",
	StatusUnexpectedVerificationFailure: "UnexpectedVerificationFailure",
}

var (
	ErrBlankStatus   = errors.New("command status is blank")
	ErrUnknownStatus = errors.New("unknown command status")
)

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// ParseStatus maps a status name to a Status, ignoring case.
func ParseStatus(raw string) (Status, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrBlankStatus
	}
	for s, name := range statusNames {
		if strings.EqualFold(raw, name) {
			return s, nil
		}
	}
	return 0, ErrUnknownStatus
}

// IsTerminal reports whether the status finishes the command for good.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusDeidentify
}

// NormalizeID parses a GUID-shaped identifier and returns its canonical
// lowercase form.
func NormalizeID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// NewID returns a fresh random command identifier.
func NewID() string {
	return uuid.NewString()
}
