package utils

import "go.uber.org/zap"

// NewLogger builds the process logger. Debug mode uses zap's development
// config (console encoding, debug level) for working against a local record
// set; otherwise JSON at info level.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
