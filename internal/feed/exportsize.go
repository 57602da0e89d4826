package feed

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/nuetzliches/commandfeed/internal/command"
)

const noFileSizeDetails = "NoFileSizeDetails"

type ExportedFileSizeRequest struct {
	CommandID               string                     `json:"commandId"`
	AssetGroupID            string                     `json:"assetGroupId"`
	ExportedFileSizeDetails []command.ExportedFileSize `json:"exportedFileSizeDetails"`
}

// PostExportedFileSize records the files an agent wrote for an export. The
// sizes are only logged.
func (s *Server) PostExportedFileSize(ctx context.Context, agentID string, req ExportedFileSizeRequest) *OpError {
	const op = "postexportedfilesize"
	_, span := s.startSpan(ctx, "feed.PostExportedFileSize", agentID)
	defer span.End()

	commandID, ok := command.NormalizeID(req.CommandID)
	if !ok {
		return s.fail(op, badRequest("Malformed command id."))
	}
	_, g, ok := s.agents().Lookup(agentID, req.AssetGroupID)
	if !ok {
		return s.fail(op, &OpError{StatusCode: http.StatusNotFound, Message: "AssetGroupNotFound"})
	}
	sizes := req.ExportedFileSizeDetails
	s.background("log_exported_file_sizes", func(context.Context) {
		s.logExportedFileSizes(agentID, g.ID, commandID, "", sizes)
	})
	return nil
}

// logExportedFileSizes logs one entry per exported file. A missing size
// report is logged as a single empty entry so gaps stay visible.
func (s *Server) logExportedFileSizes(agentID, assetGroupID, commandID string, subject command.SubjectType, sizes []command.ExportedFileSize) {
	logger := s.logger().With(
		slog.String("agent_id", agentID),
		slog.String("asset_group_id", assetGroupID),
		slog.String("command_id", commandID),
		slog.String("subject_type", string(subject)),
	)
	if sizes == nil {
		logger.Warn("export_file_size_missing")
		sizes = []command.ExportedFileSize{{FileName: noFileSizeDetails}}
	}
	for _, f := range sizes {
		logger.Info("export_file_size",
			slog.String("file_name", f.FileName),
			slog.Int64("original_bytes", f.OriginalSize),
			slog.Int64("compressed_bytes", f.CompressedSize),
			slog.String("original_size", humanize.IBytes(uint64(max(f.OriginalSize, 0)))),
			slog.String("compressed_size", humanize.IBytes(uint64(max(f.CompressedSize, 0)))),
			slog.Bool("compressed", f.IsCompressed),
		)
	}
}
