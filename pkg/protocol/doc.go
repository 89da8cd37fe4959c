// Package protocol defines the frames exchanged between devices, the relay
// and the downstream server.
//
// Every device frame is a JSON object with a string "type" tag and an optional
// "MACADDR" device identifier. Frames of type "init" and "emergency_alert" are
// forwarded downstream byte for byte; everything else belongs to the keepalive
// channel.
package protocol
