// Package eventstream keeps a persistent WebSocket connection to the hardware
// controller, decodes its frames into [Event] values and hands them to a
// handler. The [Listener] reconnects after a fixed delay whenever the
// connection drops.
//
// Frames carry a "function" discriminator:
//
//	{"function":"01","moduleId":"0A"}                              -> ModuleReady
//	{"function":"aiPhoto","data":"{\"className\":...}"}            -> Classification
//	{"function":"06","data":"512"}                                 -> WeightReading
//	{"function":"deviceStatus","data":4}                           -> DeviceStatus
//
// The aiPhoto payload may also arrive as a JSON object rather than a string.
package eventstream
