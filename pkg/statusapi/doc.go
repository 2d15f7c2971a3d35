// Package statusapi is the process boundary between the kiosk control core
// and the UI layer. It serves the kiosk status and session operations over
// HTTP with a chi router and streams kiosk events to clients as Server-Sent
// Events.
package statusapi
