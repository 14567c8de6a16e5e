// Package ferr defines the error taxonomy shared by the ship and offshore
// processes (see spec §7). Each sentinel identifies a kind, not a type;
// call sites wrap it with fmt.Errorf("...: %w", ferr.LinkLost) and callers
// use errors.Is to classify.
package ferr

import "errors"

var (
	// LinkLost means the ship<->offshore TCP connection failed mid-frame
	// or was closed. The link manager must reconnect; any in-flight job
	// is abandoned.
	LinkLost = errors.New("link lost")

	// ProtocolViolation means a frame arrived with an impossible shape
	// (oversized length, mismatched job id, out-of-sequence kind). Fatal
	// to the current link, not to the process.
	ProtocolViolation = errors.New("protocol violation")

	// MalformedProxyRequest means the ship's client listener could not
	// parse a local client's HTTP request.
	MalformedProxyRequest = errors.New("malformed proxy request")

	// UpstreamDialFailure means the offshore dispatcher could not open a
	// TCP connection to the requested origin.
	UpstreamDialFailure = errors.New("upstream dial failure")

	// UpstreamIOFailure means the offshore dispatcher's connection to the
	// origin failed after it was established.
	UpstreamIOFailure = errors.New("upstream io failure")

	// ClientGone means the local client disconnected before its job
	// completed.
	ClientGone = errors.New("client gone")
)
