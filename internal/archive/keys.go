package archive

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so several
// folio installations can share one Redis server.
//
// Key pattern: folio:{instance_name}:{entity}:{id}
// Channel pattern: folio:{instance_name}:{event_type}_events

// RunKey returns the Redis key for a run record hash.
// Pattern: folio:{instance_name}:run:{run_id}
func RunKey(instanceName, runID string) string {
	return fmt.Sprintf("folio:%s:run:%s", instanceName, runID)
}

// RunEventsKey returns the Redis key for a run's board event list.
// Pattern: folio:{instance_name}:run:{run_id}:events
func RunEventsKey(instanceName, runID string) string {
	return fmt.Sprintf("folio:%s:run:%s:events", instanceName, runID)
}

// RunsIndexKey returns the Redis key for the ZSET of run IDs scored by start time.
// Pattern: folio:{instance_name}:runs
func RunsIndexKey(instanceName string) string {
	return fmt.Sprintf("folio:%s:runs", instanceName)
}

// BoardEventsChannel returns the Pub/Sub channel carrying archived board events.
// Pattern: folio:{instance_name}:board_events
func BoardEventsChannel(instanceName string) string {
	return fmt.Sprintf("folio:%s:board_events", instanceName)
}
