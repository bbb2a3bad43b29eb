package domain

import "errors"

var (
	ErrPeerNotFound       = errors.New("peer not found")
	ErrPeerIDTaken        = errors.New("peer id already registered")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceNotConnected = errors.New("device has no open connection")
	ErrFileNotFound       = errors.New("file not found")
	ErrFileExists         = errors.New("file already exists")
	ErrFileTooLarge       = errors.New("file exceeds maximum size")
	ErrPayloadReleased    = errors.New("payload released")
	ErrInvalidTransition  = errors.New("invalid state transition")

	ErrTransportConnect = errors.New("transport connect failed")
	ErrTransportSend    = errors.New("transport send failed")
	ErrTransportClosed  = errors.New("transport closed")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrAnalysis         = errors.New("analysis failed")
	ErrMalformedLocator = errors.New("malformed session locator")
	ErrMalformedMessage = errors.New("malformed protocol message")
	ErrReservedMessage  = errors.New("reserved protocol message")
	ErrUnknownMessage   = errors.New("unknown protocol message")
	ErrNodeClosed       = errors.New("node closed")
)
