// Package hardware drives the local hardware controller of the kiosk over
// HTTP. [Gateway] exposes one method per actuator action; every call is a
// single JSON POST with a bounded timeout. Results that the hardware produces
// asynchronously (classification, weight) arrive later on the event stream,
// see package eventstream.
package hardware
