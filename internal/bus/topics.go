package bus

// Topic names form a closed registry. Publishing or subscribing to a name
// outside this set is a programming error and is reported instead of being
// silently accepted, so a typo cannot create a dead topic.
const (
	TopicDeviceUpdated       = "device-updated"
	TopicSceneActivated      = "scene-activated"
	TopicSecurityModeChanged = "security-mode-changed"
	TopicEnergyUpdate        = "energy:update"
	TopicErrorStorm          = "error-storm"
	TopicCircuitOpen         = "circuit-open"
	TopicAutomationTriggered = "automation-triggered"
	TopicZoneStateChanged    = "zone-state-changed"
	TopicNotification        = "notification"
	TopicShutdown            = "shutdown"
)

var knownTopics = map[string]struct{}{
	TopicDeviceUpdated:       {},
	TopicSceneActivated:      {},
	TopicSecurityModeChanged: {},
	TopicEnergyUpdate:        {},
	TopicErrorStorm:          {},
	TopicCircuitOpen:         {},
	TopicAutomationTriggered: {},
	TopicZoneStateChanged:    {},
	TopicNotification:        {},
	TopicShutdown:            {},
}

// KnownTopic reports whether name belongs to the topic registry.
func KnownTopic(name string) bool {
	_, ok := knownTopics[name]
	return ok
}
