// Package leasereceipt encodes the opaque, versioned token that identifies
// an agent's lease on one queued command.
//
// A receipt is JSON, gzip-compressed, then base64 encoded. Fields were added
// over time; Version records which of them the issuer knew about.
package leasereceipt

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
)

const (
	CurrentVersion = 3

	MinimumExpirationTimeVersion = 1
	AssetGroupQualifierVersion   = 1
	CommandTypeVersion           = 1
	CommandCreatedTimeVersion    = 2
	QueueStorageTypeVersion      = 3
)

// MinimumVersion is the oldest receipt that carries everything checkpoint
// validation reads. Older receipts must be refreshed from the queue.
const MinimumVersion = max(
	MinimumExpirationTimeVersion,
	AssetGroupQualifierVersion,
	CommandTypeVersion,
	CommandCreatedTimeVersion,
)

// maxEncodedLen bounds the input accepted by Parse.
const maxEncodedLen = 16 << 10

var ErrMalformed = errors.New("malformed lease receipt")

// StorageType is the kind of queue storage that issued a receipt.
type StorageType int

const (
	// StorageDocument is a queryable document/relational queue.
	StorageDocument StorageType = iota
	// StorageMessage is a message queue that cannot look up single items.
	StorageMessage
)

func (t StorageType) String() string {
	switch t {
	case StorageDocument:
		return "document"
	case StorageMessage:
		return "message"
	default:
		return fmt.Sprintf("storage(%d)", int(t))
	}
}

type Receipt struct {
	Version             int                 `json:"v"`
	DatabaseMoniker     string              `json:"dm"`
	CommandID           string              `json:"cid"`
	Token               string              `json:"tk"`
	AssetGroupID        string              `json:"gid"`
	AgentID             string              `json:"aid"`
	SubjectType         command.SubjectType `json:"st"`
	AssetGroupQualifier string              `json:"agq,omitempty"`
	ExpirationTime      time.Time           `json:"et"`
	CommandType         command.Type        `json:"ct,omitempty"`
	CloudInstance       string              `json:"ci,omitempty"`
	CommandCreatedTime  *time.Time          `json:"cts,omitempty"`
	QueueStorageType    StorageType         `json:"qst,omitempty"`
}

// New builds a current-version receipt for cmd leased until expiration.
func New(moniker string, storage StorageType, token string, cmd command.PrivacyCommand, expiration time.Time) Receipt {
	created := cmd.CreatedTime.UTC()
	return Receipt{
		Version:             CurrentVersion,
		DatabaseMoniker:     moniker,
		CommandID:           cmd.CommandID,
		Token:               token,
		AssetGroupID:        cmd.AssetGroupID,
		AgentID:             cmd.AgentID,
		SubjectType:         cmd.Subject.Type,
		AssetGroupQualifier: cmd.AssetGroupQualifier,
		ExpirationTime:      expiration.UTC(),
		CommandType:         cmd.Type,
		CloudInstance:       cmd.CloudInstance,
		CommandCreatedTime:  &created,
		QueueStorageType:    storage,
	}
}

// NeedsRefresh reports whether r predates MinimumVersion.
func (r Receipt) NeedsRefresh() bool {
	return r.Version < MinimumVersion
}

// CreatedTime returns the command creation time carried by the receipt.
func (r Receipt) CreatedTime() (time.Time, bool) {
	if r.CommandCreatedTime == nil {
		return time.Time{}, false
	}
	return *r.CommandCreatedTime, true
}

// Serialize encodes the receipt into its opaque string form.
func (r Receipt) Serialize() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("leasereceipt: encode: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("leasereceipt: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("leasereceipt: compress: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// MustSerialize is Serialize for receipts built by New, which always encode.
func (r Receipt) MustSerialize() string {
	s, err := r.Serialize()
	if err != nil {
		panic(err)
	}
	return s
}

// Parse decodes an opaque receipt string. Any decoding failure is reported
// as ErrMalformed.
func Parse(encoded string) (Receipt, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" || len(encoded) > maxEncodedLen {
		return Receipt{}, ErrMalformed
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(r.CommandID) == "" || strings.TrimSpace(r.AgentID) == "" {
		return Receipt{}, fmt.Errorf("%w: missing command or agent id", ErrMalformed)
	}
	if r.Version < QueueStorageTypeVersion {
		r.QueueStorageType = StorageDocument
	}
	return r, nil
}
