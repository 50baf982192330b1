// Package mqtt is the core's broker connection.
//
// Dispensers publish to pillpal/device/{name}; the ingest coordinator
// subscribes to pillpal/device/# through this client. Alert commands leave
// on pillpal/command/{device_id}, which the core never subscribes to.
//
//	dispenser -> broker -> ingest -> SQLite
//	dispenser <- broker <- alert scheduler
//
// The client reconnects on its own and replays every subscription after a
// reconnect. A retained JSON status on pillpal/system/status reads "online"
// while connected; the Last Will flips it to "offline" if the link dies
// without Close.
//
// Enable broker.tls for any broker reachable off-host.
package mqtt
