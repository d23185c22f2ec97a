// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "github.com/coreason-ai/sandbox-orchestrator/pkg/driver"

// executeRequest is the body of POST /sessions/{sessionId}/execute.
type executeRequest struct {
	User     string `json:"user"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

// artifactResponse is the wire form of driver.ArtifactRef.
type artifactResponse struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	URL       string `json:"url,omitempty"`
}

// executeResponse is the body of a successful execute response.
type executeResponse struct {
	Stdout          string             `json:"stdout"`
	Stderr          string             `json:"stderr"`
	ExitCode        int                `json:"exitCode"`
	Artifacts       []artifactResponse `json:"artifacts"`
	DurationSeconds float64            `json:"durationSeconds"`
}

func newExecuteResponse(r driver.ExecutionResult) executeResponse {
	artifacts := make([]artifactResponse, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		artifacts = append(artifacts, artifactResponse{
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			SizeBytes: a.SizeBytes,
			URL:       a.URL,
		})
	}
	return executeResponse{
		Stdout:          r.Stdout,
		Stderr:          r.Stderr,
		ExitCode:        r.ExitCode,
		Artifacts:       artifacts,
		DurationSeconds: r.DurationSeconds,
	}
}

// installPackageRequest is the body of POST /sessions/{sessionId}/packages.
type installPackageRequest struct {
	User string `json:"user"`
	Spec string `json:"spec"`
}

// installPackageResponse is the body of a successful install response.
type installPackageResponse struct {
	Message string `json:"message"`
}

// listFilesResponse is the body of a successful file-listing response.
type listFilesResponse struct {
	Files []string `json:"files"`
}
