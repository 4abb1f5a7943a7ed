package challenge

import "fmt"

// Shared store keys. The coordination peer and downstream event consumers
// use the same layout; changing any of these is a cross-service migration.
const (
	// challengeUpdatesChannel carries peer-originated lifecycle
	// notifications.
	challengeUpdatesChannel = "relay:challenge-updates"

	// clientEventsKey is a list used as a work queue for client status
	// events, consumed asynchronously by the coordination peer.
	clientEventsKey = "relay:client-events"
)

// challengeKey is the hash holding a challenge's metadata.
func challengeKey(id string) string {
	return "relay:challenge:" + id
}

// stageStreamKey is the append-only log of one stage attempt's events.
func stageStreamKey(id string, stage int32, attempt int32) string {
	return fmt.Sprintf("relay:challenge:%s:stage:%d:%d", id, stage, attempt)
}

// streamsSetKey indexes every stage stream written for a challenge, so a
// consumer can discover the logs without enumerating stage keys.
func streamsSetKey(id string) string {
	return challengeKey(id) + ":streams"
}

// processedStagesKey is the set of stage attempts the peer has already
// finalized; writes to a finalized stage would never be read.
func processedStagesKey(id string) string {
	return challengeKey(id) + ":processed-stages"
}

// stageAttemptMember is the processed-stages set member for one attempt.
func stageAttemptMember(stage int32, attempt int32) string {
	return fmt.Sprintf("%d:%d", stage, attempt)
}
