package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
)

// Priority selects one of the two per-agent tiers.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
)

const (
	// DefaultLease applies when Pop is called without a lease duration.
	DefaultLease = 15 * time.Minute
	// MaxPopBatch caps a single Pop.
	MaxPopBatch = 100
)

var (
	ErrNotFound            = errors.New("queue item not found")
	ErrConflict            = errors.New("lease receipt token does not match queue item")
	ErrThrottled           = errors.New("queue storage throttled")
	ErrInvalidLeaseReceipt = errors.New("lease receipt is not valid for this queue")
	ErrExists              = errors.New("queue item already exists")
)

// ReplaceFlags select which parts of a queued command Replace rewrites.
type ReplaceFlags uint8

const (
	ReplaceLeaseExtension ReplaceFlags = 1 << iota
	ReplaceCommandContent
)

func (f ReplaceFlags) String() string {
	var parts []string
	if f&ReplaceLeaseExtension != 0 {
		parts = append(parts, "lease_extension")
	}
	if f&ReplaceCommandContent != 0 {
		parts = append(parts, "command_content")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// PopResult is the outcome of one Pop. Errors holds per-item failures that
// did not abort the pop as a whole.
type PopResult struct {
	Commands []command.PrivacyCommand
	Errors   []error
}

type StatsRequest struct {
	AgentID             string
	AssetGroupQualifier string
	CommandType         command.Type
}

type Stat struct {
	AssetGroupQualifier string
	CommandType         command.Type
	Pending             int
}

// CommandQueue stores leased privacy commands per agent and priority tier.
// Every mutation rotates the item's token, so a lease receipt is good for
// exactly one successful Replace or Delete.
type CommandQueue interface {
	Enqueue(ctx context.Context, cmd command.PrivacyCommand, priority Priority) error
	Pop(ctx context.Context, agentID string, maxCount int, lease time.Duration, priority Priority) (PopResult, error)
	Query(ctx context.Context, r leasereceipt.Receipt) (*command.PrivacyCommand, error)
	Replace(ctx context.Context, r leasereceipt.Receipt, cmd command.PrivacyCommand, flags ReplaceFlags) (command.PrivacyCommand, error)
	Delete(ctx context.Context, r leasereceipt.Receipt) error
	SupportsLeaseReceipt(r leasereceipt.Receipt) bool
	Stats(ctx context.Context, req StatsRequest) ([]Stat, error)
	Close() error
}

// item is the backend-neutral row shape.
type item struct {
	agentID      string
	assetGroupID string
	commandID    string
	priority     Priority
	commandType  command.Type
	qualifier    string
	createdAt    time.Time
	nextVisible  time.Time
	token        string
	agentState   string
	payload      []byte
}

func newItem(cmd command.PrivacyCommand, priority Priority, now time.Time) (item, error) {
	if strings.TrimSpace(cmd.AgentID) == "" || strings.TrimSpace(cmd.AssetGroupID) == "" || strings.TrimSpace(cmd.CommandID) == "" {
		return item{}, errors.New("queue: command requires agent, asset group and command ids")
	}
	if priority == "" {
		priority = PriorityHigh
	}
	if cmd.CreatedTime.IsZero() {
		cmd.CreatedTime = now
	}
	if cmd.NextVisibleTime.IsZero() {
		cmd.NextVisibleTime = now
	}
	state := cmd.AgentState
	cmd.LeaseReceipt = ""
	cmd.AgentState = ""
	payload, err := json.Marshal(cmd)
	if err != nil {
		return item{}, fmt.Errorf("queue: encode command: %w", err)
	}
	return item{
		agentID:      cmd.AgentID,
		assetGroupID: cmd.AssetGroupID,
		commandID:    cmd.CommandID,
		priority:     priority,
		commandType:  cmd.Type,
		qualifier:    cmd.AssetGroupQualifier,
		createdAt:    cmd.CreatedTime.UTC(),
		nextVisible:  cmd.NextVisibleTime.UTC(),
		token:        newToken(),
		agentState:   state,
		payload:      payload,
	}, nil
}

// command decodes the stored payload and overlays the mutable fields plus a
// fresh receipt.
func (it item) command(moniker string) (command.PrivacyCommand, error) {
	var cmd command.PrivacyCommand
	if err := json.Unmarshal(it.payload, &cmd); err != nil {
		return command.PrivacyCommand{}, fmt.Errorf("queue: decode command %s: %w", it.commandID, err)
	}
	cmd.NextVisibleTime = it.nextVisible.UTC()
	cmd.AgentState = it.agentState
	r := leasereceipt.New(moniker, leasereceipt.StorageDocument, it.token, cmd, it.nextVisible)
	encoded, err := r.Serialize()
	if err != nil {
		return command.PrivacyCommand{}, err
	}
	cmd.LeaseReceipt = encoded
	return cmd, nil
}

func supportsReceipt(moniker string, r leasereceipt.Receipt) bool {
	return r.QueueStorageType == leasereceipt.StorageDocument && strings.EqualFold(r.DatabaseMoniker, moniker)
}

func normalizePop(maxCount int, lease time.Duration) (int, time.Duration) {
	if maxCount <= 0 {
		maxCount = 1
	}
	if maxCount > MaxPopBatch {
		maxCount = MaxPopBatch
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return maxCount, lease
}

// applyReplace returns the new mutable fields for a Replace.
func applyReplace(it item, cmd command.PrivacyCommand, flags ReplaceFlags) (time.Time, string) {
	nextVisible := it.nextVisible
	agentState := it.agentState
	if flags&ReplaceLeaseExtension != 0 && !cmd.NextVisibleTime.IsZero() {
		nextVisible = cmd.NextVisibleTime.UTC()
	}
	if flags&ReplaceCommandContent != 0 {
		agentState = cmd.AgentState
	}
	return nextVisible, agentState
}

func newToken() string {
	return newHexID("tk_")
}

func newHexID(prefix string) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}
