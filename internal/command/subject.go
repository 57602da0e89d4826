package command

import "strings"

type SubjectType string

const (
	SubjectMSA              SubjectType = "MSA"
	SubjectAAD              SubjectType = "AAD"
	SubjectAAD2             SubjectType = "AAD2"
	SubjectDevice           SubjectType = "Device"
	SubjectDemographic      SubjectType = "Demographic"
	SubjectMicrosoft        SubjectType = "MicrosoftEmployee"
	SubjectNonWindowsDevice SubjectType = "NonWindowsDevice"
	SubjectEdgeBrowser      SubjectType = "EdgeBrowser"
)

var allSubjectTypes = []SubjectType{
	SubjectMSA,
	SubjectAAD,
	SubjectAAD2,
	SubjectDevice,
	SubjectDemographic,
	SubjectMicrosoft,
	SubjectNonWindowsDevice,
	SubjectEdgeBrowser,
}

func ParseSubjectType(raw string) (SubjectType, bool) {
	raw = strings.TrimSpace(raw)
	for _, t := range allSubjectTypes {
		if strings.EqualFold(raw, string(t)) {
			return t, true
		}
	}
	return "", false
}

// Subject identifies the person or device a command is about. Only the
// fields of the active Type are populated.
type Subject struct {
	Type SubjectType `json:"type"`

	Puid int64  `json:"puid,omitempty"`
	Anid string `json:"anid,omitempty"`
	Cid  int64  `json:"cid,omitempty"`

	ObjectID     string `json:"objectId,omitempty"`
	TenantID     string `json:"tenantId,omitempty"`
	OrgIDPUID    int64  `json:"orgIdPuid,omitempty"`
	HomeTenantID string `json:"homeTenantId,omitempty"`
	TenantIDType string `json:"tenantIdType,omitempty"`

	GlobalDeviceID int64  `json:"globalDeviceId,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`

	Names  []string `json:"names,omitempty"`
	Emails []string `json:"emails,omitempty"`
	Phones []string `json:"phones,omitempty"`

	EmployeeID    string `json:"employeeId,omitempty"`
	EdgeBrowserID int64  `json:"edgeBrowserId,omitempty"`
}

// IsAAD reports whether the subject is an Azure AD principal.
func (s Subject) IsAAD() bool {
	return s.Type == SubjectAAD || s.Type == SubjectAAD2
}

func (s Subject) downgradeAAD2() Subject {
	out := s
	out.Type = SubjectAAD
	out.HomeTenantID = ""
	out.TenantIDType = ""
	return out
}
