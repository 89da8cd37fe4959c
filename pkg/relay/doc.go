// Package relay accepts device WebSocket connections and runs one session
// per device. A session relays init and emergency_alert messages to the
// downstream server, writes each reply back to the device, and probes the
// device with keepalive pings until it disconnects or stops answering.
package relay
