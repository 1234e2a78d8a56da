// Package parse recovers attachment text: downloading stored files,
// extracting their text and recording structured failure kinds.
package parse

import (
	"context"
	"errors"
	"net"
	"path"
	"strings"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// ClassifyError maps an error to a structured parse failure kind.
// Errors that already carry a kind pass through; everything else is
// classified from the error chain and message text. Message matching
// exists for providers that return plain errors.
func ClassifyError(err error, fileName string) pipeline.ParseErrorKind {
	var failure *pipeline.ParseFailure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.ParseKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return pipeline.ParseKindTimeout
		}
		return pipeline.ParseKindNetworkError
	}
	return classifyMessage(err.Error(), fileName)
}

func classifyMessage(msg, fileName string) pipeline.ParseErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return pipeline.ParseKindTimeout
	case strings.Contains(lower, "download"):
		return pipeline.ParseKindDownloadFailed
	case strings.Contains(lower, "upload"):
		return pipeline.ParseKindUploadFailed
	case strings.Contains(lower, "connection"), strings.Contains(lower, "network"):
		return pipeline.ParseKindNetworkError
	case strings.Contains(lower, "empty"):
		return pipeline.ParseKindEmptyFile
	case strings.Contains(lower, "no text"):
		return pipeline.ParseKindNoTextExtracted
	}
	switch strings.ToLower(path.Ext(fileName)) {
	case ".hwp", ".hwpx":
		return pipeline.ParseKindHWPParseError
	case ".pdf":
		return pipeline.ParseKindPDFParseError
	}
	if strings.Contains(lower, "parse") {
		return pipeline.ParseKindParseFailed
	}
	return pipeline.ParseKindOther
}
