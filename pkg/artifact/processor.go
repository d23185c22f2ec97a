// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package artifact turns a post-execution file into a transportable
// reference: an inline base64 data URI for images, a presigned object-store
// URL for everything else.
package artifact

import (
	"context"
	"encoding/base64"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
)

// PresignTTL is how long a presigned URL issued by an ObjectStore remains
// valid.
const PresignTTL = time.Hour

// ObjectStore uploads a local file and returns a presigned access URL.
// Presence is optional: when no ObjectStore is configured, the Processor
// simply leaves non-image artifacts without a URL rather than failing.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, objectName, ownerID, sessionID string) (accessURL string, err error)
}

// Processor converts downloaded sandbox files into ArtifactRefs.
type Processor struct {
	store ObjectStore
}

// NewProcessor builds a Processor. store may be nil, in which case
// non-image artifacts are returned with an empty URL.
func NewProcessor(store ObjectStore) *Processor {
	return &Processor{store: store}
}

// Process reads localPath (the file as downloaded from the driver) and
// builds the ArtifactRef to surface in an ExecutionResult. Upload failures
// are logged and leave URL unset; they never fail Process itself.
func (p *Processor) Process(ctx context.Context, localPath, originalFilename, ownerID, sessionID string) (driver.ArtifactRef, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return driver.ArtifactRef{}, err
	}

	mimeType := guessMimeType(originalFilename)
	ref := driver.ArtifactRef{
		Filename:  originalFilename,
		MimeType:  mimeType,
		SizeBytes: info.Size(),
	}

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		data, readErr := os.ReadFile(localPath) //nolint:gosec
		if readErr != nil {
			return driver.ArtifactRef{}, readErr
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		ref.URL = "data:" + mimeType + ";base64," + encoded

	case p.store != nil:
		url, uploadErr := p.store.Upload(ctx, localPath, originalFilename, ownerID, sessionID)
		if uploadErr != nil {
			logger.Warnf("failed to upload artifact %s: %v", originalFilename, uploadErr)
			break
		}
		ref.URL = url
	}

	return ref, nil
}

// guessMimeType determines a MIME type from a filename's extension,
// falling back to application/octet-stream when unrecognized.
func guessMimeType(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		// Strip parameters (e.g. "; charset=utf-8") the way filename-based
		// detection in the original implementation does.
		if idx := strings.Index(t, ";"); idx >= 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
