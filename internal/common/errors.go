package common

import (
	"errors"
	"fmt"
)

var (
	ErrCodecNotReady = errors.New("codec accessors not installed")
	ErrCodecConsumed = errors.New("codec accessor already used")
)

// PluginError reports a failed call into a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// RulesFileError reports a rules file that could not be loaded.
type RulesFileError struct {
	Path string
	Err  error
}

func (e *RulesFileError) Error() string {
	return fmt.Sprintf("rules file %s: %v", e.Path, e.Err)
}

func (e *RulesFileError) Unwrap() error {
	return e.Err
}
