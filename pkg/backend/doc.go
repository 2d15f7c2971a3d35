// Package backend talks to the remote accounting service: member QR code
// validation, guest session start, per-item records and session end.
//
// Every response is an envelope with a success flag; a false flag becomes an
// [*APIError]. Transport and status failures are returned wrapped.
package backend
