package outbox

// Event is the schedule change envelope written to the outbox table in the
// same transaction as the timeline write. The Kafka topic name equals
// EventType, so each change kind gets its own topic.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
