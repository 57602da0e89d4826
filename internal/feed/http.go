package feed

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/nuetzliches/commandfeed/internal/command"
)

const (
	HeaderClientVersion   = "X-Client-Version"
	HeaderLeaseDuration   = "X-Lease-Duration-Seconds"
	HeaderCheckpointDelay = "X-NonTransactional-Checkpoint-Delay"

	defaultMaxBodyBytes = 4 << 20
)

// Handler serves the feed operations over REST under Prefix:
//
//	GET  {prefix}/{agentId}/commands
//	POST {prefix}/{agentId}/checkpoint
//	POST {prefix}/{agentId}/batchcomplete
//	POST {prefix}/{agentId}/command
//	POST {prefix}/{agentId}/queuestats
//	POST {prefix}/{agentId}/replaycommands
//	POST {prefix}/{agentId}/postexportedfilesize
//	POST {prefix}/{agentId}/insertcommands
type Handler struct {
	Feed      *Server
	Prefix    string
	Authorize Authorizer
	// AuthorizeAdmin guards insertcommands. When nil, Authorize is used.
	AuthorizeAdmin Authorizer
	// MaxBodyBytes caps request bodies; 4 MiB when unset.
	MaxBodyBytes int64
}

func NewHandler(feed *Server, prefix string) *Handler {
	return &Handler{Feed: feed, Prefix: prefix}
}

// errorResponse is the error body of every enum-coded failure.
type errorResponse struct {
	Message   string `json:"message"`
	ErrorCode int    `json:"errorCode,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, ok := h.stripPrefix(r.URL.Path)
	if !ok {
		writeError(w, &OpError{StatusCode: http.StatusNotFound, Message: "NotFound"})
		return
	}
	agentID, op, ok := strings.Cut(strings.Trim(rest, "/"), "/")
	if !ok || strings.Contains(op, "/") {
		writeError(w, &OpError{StatusCode: http.StatusNotFound, Message: "NotFound"})
		return
	}
	agentID, ok = command.NormalizeID(agentID)
	if !ok {
		writeError(w, badRequest("Malformed agent id."))
		return
	}

	authorize := h.Authorize
	if op == "insertcommands" && h.AuthorizeAdmin != nil {
		authorize = h.AuthorizeAdmin
	}
	if authorize != nil && !authorize(r, agentID) {
		writeError(w, &OpError{StatusCode: http.StatusUnauthorized, Message: "Unauthorized"})
		return
	}

	method := http.MethodPost
	if op == "commands" {
		method = http.MethodGet
	}
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, &OpError{StatusCode: http.StatusMethodNotAllowed, Message: "MethodNotAllowed"})
		return
	}

	switch op {
	case "commands":
		h.handleGetCommands(w, r, agentID)
	case "checkpoint":
		h.handleCheckpoint(w, r, agentID)
	case "batchcomplete":
		h.handleBatchComplete(w, r, agentID)
	case "command":
		h.handleQueryCommand(w, r, agentID)
	case "queuestats":
		h.handleQueueStats(w, r, agentID)
	case "replaycommands":
		h.handleReplay(w, r, agentID)
	case "postexportedfilesize":
		h.handleExportedFileSize(w, r, agentID)
	case "insertcommands":
		h.handleInsertCommands(w, r, agentID)
	default:
		writeError(w, &OpError{StatusCode: http.StatusNotFound, Message: "NotFound"})
	}
}

func (h *Handler) stripPrefix(p string) (string, bool) {
	p = path.Clean("/" + p)
	prefix := strings.TrimSuffix(path.Clean("/"+h.Prefix), "/")
	if prefix == "" {
		return p, true
	}
	if p != prefix && !strings.HasPrefix(p, prefix+"/") {
		return "", false
	}
	return strings.TrimPrefix(p, prefix), true
}

func (h *Handler) handleGetCommands(w http.ResponseWriter, r *http.Request, agentID string) {
	res, oerr := h.Feed.GetCommands(r.Context(), GetCommandsRequest{
		AgentID:       agentID,
		ClientVersion: r.Header.Get(HeaderClientVersion),
		LeaseDuration: r.Header.Get(HeaderLeaseDuration),
	})
	if oerr != nil {
		writeError(w, oerr)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCheckpoint(w http.ResponseWriter, r *http.Request, agentID string) {
	var req CheckpointRequest
	if oerr := h.decodeJSONBody(w, r, &req); oerr != nil {
		writeError(w, oerr)
		return
	}
	res, oerr := h.Feed.Checkpoint(r.Context(), agentID, req)
	if oerr != nil {
		writeError(w, oerr)
		return
	}
	if res.Action == FinishDeferredDelete {
		w.Header().Set(HeaderCheckpointDelay, strconv.Itoa(int(res.DeferredDelay.Seconds())))
	}
	if res.LeaseReceipt == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleBatchComplete(w http.ResponseWriter, r *http.Request, agentID string) {
	var items []BatchCompleteItem
	if oerr := h.decodeJSONBody(w, r, &items); oerr != nil {
		writeError(w, oerr)
		return
	}
	rejected, oerr := h.Feed.BatchComplete(r.Context(), agentID, items)
	if len(rejected) > 0 {
		writeJSON(w, http.StatusBadRequest, rejected)
		return
	}
	if oerr != nil {
		writeError(w, oerr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleQueryCommand(w http.ResponseWriter, r *http.Request, agentID string) {
	var req QueryCommandRequest
	if oerr := h.decodeJSONBody(w, r, &req); oerr != nil {
		writeError(w, oerr)
		return
	}
	req.AgentID = agentID
	req.ClientVersion = r.Header.Get(HeaderClientVersion)
	res, oerr := h.Feed.QueryCommand(r.Context(), req)
	if oerr != nil {
		writeError(w, oerr)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request, agentID string) {
	var req QueueStatsRequest
	if oerr := h.decodeOptionalJSONBody(w, r, &req); oerr != nil {
		writeError(w, oerr)
		return
	}
	stats, oerr := h.Feed.QueueStats(r.Context(), agentID, req)
	if oerr != nil {
		writeError(w, oerr)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request, agentID string) {
	var req ReplayRequest
	if oerr := h.decodeJSONBody(w, r, &req); oerr != nil {
		writeError(w, oerr)
		return
	}
	if oerr := h.Feed.ReplayCommands(r.Context(), agentID, req); oerr != nil {
		writeError(w, oerr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleExportedFileSize(w http.ResponseWriter, r *http.Request, agentID string) {
	var req ExportedFileSizeRequest
	if oerr := h.decodeJSONBody(w, r, &req); oerr != nil {
		writeError(w, oerr)
		return
	}
	if oerr := h.Feed.PostExportedFileSize(r.Context(), agentID, req); oerr != nil {
		writeError(w, oerr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleInsertCommands(w http.ResponseWriter, r *http.Request, agentID string) {
	var cmds []command.PrivacyCommand
	if oerr := h.decodeJSONBody(w, r, &cmds); oerr != nil {
		writeError(w, oerr)
		return
	}
	if oerr := h.Feed.InsertCommands(r.Context(), agentID, cmds); oerr != nil {
		writeError(w, oerr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// decodeJSONBody reads exactly one JSON document. Unknown fields are
// accepted so older servers keep working with newer SDKs.
func (h *Handler) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) *OpError {
	return decodeBody(w, r, dst, h.maxBody(), false)
}

func (h *Handler) decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, dst any) *OpError {
	return decodeBody(w, r, dst, h.maxBody(), true)
}

func (h *Handler) maxBody() int64 {
	if h.MaxBodyBytes > 0 {
		return h.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, limit int64, allowEmpty bool) *OpError {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return badRequest("The request content is empty.")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return badRequest("The request content is empty.")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &OpError{StatusCode: http.StatusRequestEntityTooLarge, Message: "The request content is too large."}
		}
		return badRequest("Request cannot be parsed: " + err.Error())
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return badRequest("Request cannot be parsed: trailing JSON document is not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *OpError) {
	writeJSON(w, err.StatusCode, errorResponse{Message: err.Message, ErrorCode: err.Code})
}
