package types

import (
	"errors"
	"fmt"
)

// Domain errors shared by the registry, router and ingestion pipeline
var (
	ErrWorkspaceNotFound   = errors.New("workspace not found")
	ErrWorkspaceRegistered = errors.New("workspace is registered")
	ErrPrimaryExists       = errors.New("a different primary workspace is already registered")
	ErrPrimaryImmutable    = errors.New("the primary workspace cannot be removed or evicted")
	ErrRegistryCorrupt     = errors.New("workspace registry is corrupted")
	ErrIndexingInProgress  = errors.New("indexing already in progress")
	ErrIntegrity           = errors.New("integrity violation")
)

// IntegrityError is a constraint or ordering violation that survived the
// pipeline's retry. The whole batch it belongs to was rejected.
type IntegrityError struct {
	WorkspaceID string
	SymbolID    string
	FilePath    string
	Reason      string
	Err         error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity violation in workspace %s", e.WorkspaceID)
	if e.SymbolID != "" {
		msg += fmt.Sprintf(" (symbol %s)", e.SymbolID)
	}
	if e.FilePath != "" {
		msg += fmt.Sprintf(" (file %s)", e.FilePath)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is(err, ErrIntegrity) match any IntegrityError
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// StoreUnavailableError reports a physical store that could not be opened,
// read or deleted (missing, locked, permission denied).
type StoreUnavailableError struct {
	WorkspaceID string
	Path        string
	Err         error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store for workspace %s unavailable at %s: %v", e.WorkspaceID, e.Path, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}
