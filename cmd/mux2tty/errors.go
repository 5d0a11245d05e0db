package main

import "errors"

// Command-level errors.
var (
	// ErrUnsupportedBaud indicates a requested baud rate isn't one of the
	// platform's standard termios rates.
	ErrUnsupportedBaud = errors.New("unsupported baud rate")
)
