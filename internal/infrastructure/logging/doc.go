// Package logging sets up the structured logger shared by every PillPal
// Core component.
//
// It is a thin layer over log/slog. Every entry carries service=pillpal and
// the build version; components add their own "component" attribute through
// With. Output is JSON unless logging.format is "text".
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Broker passwords and InfluxDB tokens must never be logged. Raw device
// payloads appear only at debug level.
package logging
