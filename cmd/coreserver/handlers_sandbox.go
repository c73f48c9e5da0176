package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/r3e-network/corekernel/internal/apierrors"
	"github.com/r3e-network/corekernel/internal/httputil"
	"github.com/r3e-network/corekernel/internal/kernel"
	"github.com/r3e-network/corekernel/internal/sandbox"
)

type sandboxFile struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Executable bool   `json:"executable"`
}

type sandboxExecuteRequest struct {
	ExecutionID   string            `json:"executionId"`
	Language      string            `json:"language"`
	Code          string            `json:"code"`
	Stdin         string            `json:"stdin"`
	Env           map[string]string `json:"env"`
	Files         []sandboxFile     `json:"files"`
	Config        *sandboxConfigDTO `json:"config"`
	UserID        string            `json:"userId"`
	TenantID      string            `json:"tenantId"`
	CorrelationID string            `json:"correlationId"`
}

type sandboxConfigDTO struct {
	TimeoutMs           int64                `json:"timeoutMs"`
	Resources           *sandboxResourcesDTO `json:"resources"`
	Network             *sandboxNetworkDTO   `json:"network"`
	ReadOnlyRootFS      *bool                `json:"readOnlyRootFs"`
	DropAllCapabilities *bool                `json:"dropAllCapabilities"`
	UseSeccomp          *bool                `json:"useSeccomp"`
	RunAsNonRoot        *bool                `json:"runAsNonRoot"`
	UserID              int                  `json:"userId"`
	GroupID             int                  `json:"groupId"`
	WorkDir             string               `json:"workDir"`
	ImagePullPolicy     string               `json:"imagePullPolicy"`
}

type sandboxResourcesDTO struct {
	MemoryBytes      int64   `json:"memoryBytes"`
	MemorySwapBytes  int64   `json:"memorySwapBytes"`
	CPUs             float64 `json:"cpus"`
	PidsLimit        int64   `json:"pidsLimit"`
	MaxOutputBytes   int64   `json:"maxOutputBytes"`
	MaxFileSizeBytes int64   `json:"maxFileSizeBytes"`
}

type sandboxNetworkDTO struct {
	Enabled      bool     `json:"enabled"`
	AllowedHosts []string `json:"allowedHosts"`
	AllowedPorts []int    `json:"allowedPorts"`
	DNSServers   []string `json:"dnsServers"`
}

// toSandboxConfig maps the wire DTO onto sandbox.Config, leaving fields the
// caller omitted at their zero value so mergeConfig falls back to defaults.
func (d *sandboxConfigDTO) toSandboxConfig() sandbox.Config {
	cfg := sandbox.Config{
		TimeoutMs:       d.TimeoutMs,
		UserID:          d.UserID,
		GroupID:         d.GroupID,
		WorkDir:         d.WorkDir,
		ImagePullPolicy: sandbox.ImagePullPolicy(d.ImagePullPolicy),
	}
	if d.Resources != nil {
		cfg.Resources = sandbox.ResourceConfig{
			MemoryBytes:      d.Resources.MemoryBytes,
			MemorySwapBytes:  d.Resources.MemorySwapBytes,
			CPUs:             d.Resources.CPUs,
			PidsLimit:        d.Resources.PidsLimit,
			MaxOutputBytes:   d.Resources.MaxOutputBytes,
			MaxFileSizeBytes: d.Resources.MaxFileSizeBytes,
		}
	}
	if d.Network != nil {
		cfg.Network = sandbox.NetworkConfig{
			Enabled:      d.Network.Enabled,
			AllowedHosts: d.Network.AllowedHosts,
			AllowedPorts: d.Network.AllowedPorts,
			DNSServers:   d.Network.DNSServers,
		}
	}
	if d.ReadOnlyRootFS != nil {
		cfg.ReadOnlyRootFS = *d.ReadOnlyRootFS
	}
	if d.DropAllCapabilities != nil {
		cfg.DropAllCapabilities = *d.DropAllCapabilities
	}
	if d.UseSeccomp != nil {
		cfg.UseSeccomp = *d.UseSeccomp
	}
	if d.RunAsNonRoot != nil {
		cfg.RunAsNonRoot = *d.RunAsNonRoot
	}
	return cfg
}

type sandboxResultResponse struct {
	ExecutionID     string `json:"executionId"`
	Success         bool   `json:"success"`
	ExitCode        int    `json:"exitCode"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	DurationMs      int64  `json:"durationMs"`
	MemoryUsedBytes int64  `json:"memoryUsedBytes"`
	TimedOut        bool   `json:"timedOut"`
	OOMKilled       bool   `json:"oomKilled"`
	Error           string `json:"error,omitempty"`
	ContainerID     string `json:"containerId,omitempty"`
	Timestamp       string `json:"timestamp"`
}

func sandboxExecuteHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body sandboxExecuteRequest
		if !httputil.DecodeJSON(w, r, &body) {
			return
		}

		executionID := body.ExecutionID
		if executionID == "" {
			executionID = uuid.New().String()
		}

		req := sandbox.Request{
			ExecutionID:   executionID,
			Language:      body.Language,
			Code:          []byte(body.Code),
			Stdin:         []byte(body.Stdin),
			Env:           body.Env,
			UserID:        body.UserID,
			TenantID:      body.TenantID,
			CorrelationID: body.CorrelationID,
			ClientIP:      clientKey(r),
			UserAgent:     r.UserAgent(),
		}
		for _, f := range body.Files {
			req.Files = append(req.Files, sandbox.File{
				Path:           f.Path,
				Content:        []byte(f.Content),
				ExecutableFlag: f.Executable,
			})
		}
		if body.Config != nil {
			req.Config = body.Config.toSandboxConfig()
		}

		result, err := k.Sandbox.Execute(r.Context(), req)
		if err != nil {
			serr, ok := err.(*sandbox.Error)
			if !ok {
				apiErr := apierrors.New(apierrors.CodeInternalError, err.Error())
				httputil.WriteErrorWithCode(w, apiErr.HTTPStatus, string(apiErr.Code), apiErr.Description)
				return
			}
			apiErr := apierrors.Wrap(wireCodeFor(serr), "", serr.Cause)
			httputil.WriteErrorWithCode(w, apiErr.HTTPStatus, string(apiErr.Code), serr.Error())
			return
		}

		httputil.WriteJSON(w, http.StatusOK, sandboxResultResponse{
			ExecutionID:     result.ExecutionID,
			Success:         result.Success,
			ExitCode:        result.ExitCode,
			Stdout:          string(result.Stdout),
			Stderr:          string(result.Stderr),
			DurationMs:      result.DurationMs,
			MemoryUsedBytes: result.MemoryUsedBytes,
			TimedOut:        result.TimedOut,
			OOMKilled:       result.OOMKilled,
			Error:           result.Error,
			ContainerID:     result.ContainerID,
			Timestamp:       result.CompletedAt.Format(time.RFC3339),
		})
	}
}

func sandboxCancelHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executionID := mux.Vars(r)["id"]
		if executionID == "" {
			httputil.BadRequest(w, "missing execution id")
			return
		}
		if err := k.Sandbox.Cancel(executionID); err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// wireCodeFor translates the orchestrator's coarse error codes into the
// wire-stable tags the specification's error taxonomy names, using the
// underlying validation message to pick the closest match.
func wireCodeFor(serr *sandbox.Error) apierrors.ErrorCode {
	msg := ""
	if serr.Cause != nil {
		msg = serr.Cause.Error()
	}
	switch serr.Code {
	case sandbox.ErrValidation:
		switch {
		case strings.Contains(msg, "unsupported language"):
			return apierrors.CodeInvalidLanguage
		case strings.Contains(msg, "exceeds maximum size"):
			return apierrors.CodeCodeTooLarge
		case strings.Contains(msg, "too many files"):
			return apierrors.CodeInvalidRequest
		default:
			return apierrors.CodeInvalidRequest
		}
	case sandbox.ErrTooManyInFlight:
		return apierrors.CodeTooManyExecutions
	case sandbox.ErrPullFailed:
		if strings.Contains(msg, "not present") {
			return apierrors.CodeImageNotFound
		}
		return apierrors.CodeImagePullFailed
	case sandbox.ErrCreateFailed:
		return apierrors.CodeContainerCreateFailed
	case sandbox.ErrStartFailed:
		return apierrors.CodeContainerStartFailed
	default:
		return apierrors.CodeInternalError
	}
}
