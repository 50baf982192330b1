package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the PillPal namespace.
//
// Devices publish under pillpal/device/..., the core publishes commands
// under pillpal/command/... so its own traffic never lands on the
// device-event subscription.
const (
	// TopicPrefix is the root of every PillPal topic.
	TopicPrefix = "pillpal"

	// TopicPrefixDevice is the base for device-originated event topics.
	TopicPrefixDevice = "pillpal/device"

	// TopicPrefixCommand is the base for commands sent to devices.
	TopicPrefixCommand = "pillpal/command"

	// TopicPrefixSystem is the base for service status topics.
	TopicPrefixSystem = "pillpal/system"
)

// Topics provides builders for PillPal MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceEvent("dispenser-kitchen") // "pillpal/device/dispenser-kitchen"
type Topics struct{}

// DeviceEvent returns the topic a device publishes its events on.
//
// Example: pillpal/device/dispenser-kitchen
func (Topics) DeviceEvent(deviceName string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixDevice, deviceName)
}

// DeviceCommand returns the topic for commands addressed to one device.
//
// Example: pillpal/command/17
func (Topics) DeviceCommand(deviceID int64) string {
	return fmt.Sprintf("%s/%d", TopicPrefixCommand, deviceID)
}

// SystemStatus returns the service online/offline status topic.
//
// Example: pillpal/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllDeviceEvents returns the wildcard matching every device event topic.
//
// Pattern: pillpal/device/#
func (Topics) AllDeviceEvents() string {
	return TopicPrefixDevice + "/#"
}

// DeviceNameFromTopic extracts the segment after the device prefix, or ""
// when the topic is outside the device namespace.
//
// Example: pillpal/device/dispenser-kitchen/events -> dispenser-kitchen
func DeviceNameFromTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, TopicPrefixDevice+"/")
	if !ok || rest == "" {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}
