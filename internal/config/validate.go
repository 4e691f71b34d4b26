package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError names the offending field, the value seen, and why
// it failed.
type ValidationError struct {
	Field string
	Value any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validAllocNames = map[string]bool{"give_sim_work_first": true, "persistent_aware": true}

// validateConfig returns nil, or the joined set of every validation
// failure found.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.NumWorkers < 1 {
		errs = append(errs, &ValidationError{Field: "num_workers", Value: cfg.NumWorkers, Message: "must be at least 1"})
	}
	if cfg.WorkerTimeoutSecs < 0 {
		errs = append(errs, &ValidationError{Field: "worker_timeout_seconds", Value: cfg.WorkerTimeoutSecs, Message: "must be non-negative"})
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{Field: "log_level", Value: cfg.LogLevel, Message: "must be one of: debug, info, warn, error"})
	}
	if !validAllocNames[cfg.Alloc.Name] {
		errs = append(errs, &ValidationError{Field: "alloc_specs.name", Value: cfg.Alloc.Name, Message: "must be one of: give_sim_work_first, persistent_aware"})
	}

	ec := cfg.ExitCriteria
	hasCriterion := ec.SimMax > 0 || ec.GenMax > 0 || ec.ElapsedWallclockTime != "" || ec.StopVal != nil
	if !hasCriterion {
		errs = append(errs, &ValidationError{Field: "exit_criteria", Value: nil, Message: "at least one of sim_max, gen_max, elapsed_wallclock_time, stop_val is required"})
	}
	if ec.ElapsedWallclockTime != "" {
		if _, err := time.ParseDuration(ec.ElapsedWallclockTime); err != nil {
			errs = append(errs, &ValidationError{Field: "exit_criteria.elapsed_wallclock_time", Value: ec.ElapsedWallclockTime, Message: fmt.Sprintf("invalid duration: %v", err)})
		}
	}
	if ec.StopVal != nil && ec.StopVal.Field == "" {
		errs = append(errs, &ValidationError{Field: "exit_criteria.stop_val.field", Value: ec.StopVal.Field, Message: "must not be empty"})
	}

	if cfg.Snapshot.SaveEveryK < 0 {
		errs = append(errs, &ValidationError{Field: "snapshot.save_every_k", Value: cfg.Snapshot.SaveEveryK, Message: "must be non-negative (0 disables periodic snapshots)"})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
