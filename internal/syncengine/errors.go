package syncengine

import (
	"errors"
	"fmt"
	"strings"

	"pos-sync-engine/internal/models"
)

var (
	// ErrOffline is returned by ForceSyncNow when the remote store is unreachable
	ErrOffline = errors.New("sync engine offline")

	// ErrEngineStopped is returned once Shutdown has been called
	ErrEngineStopped = errors.New("sync engine stopped")

	// ErrInvalidMutation is returned by Enqueue for a mutation that cannot be queued
	ErrInvalidMutation = errors.New("invalid mutation")
)

// ValidationError carries the field problems found by Enqueue
type ValidationError struct {
	Details []models.ErrorDetail
}

func (e *ValidationError) Error() string {
	issues := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		issues = append(issues, fmt.Sprintf("%s: %s", d.Field, d.Issue))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidMutation, strings.Join(issues, "; "))
}

// Unwrap lets errors.Is match ErrInvalidMutation
func (e *ValidationError) Unwrap() error {
	return ErrInvalidMutation
}
