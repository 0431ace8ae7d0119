package mqtt

import "fmt"

// Topic layout. Nodes own the battery/<id>/* subtree; the controller owns
// microgrid/*.
const (
	TopicRegister  = "microgrid/register"
	TopicAck       = "microgrid/ack"
	TopicObjective = "microgrid/objective"
	TopicMPC       = "microgrid/mpc"
	TopicState     = "microgrid/state"

	telemetryWildcard = "battery/+/telemetry"
)

// RegisterAckTopic is the per-node registration reply topic.
func RegisterAckTopic(nodeID string) string {
	return fmt.Sprintf("microgrid/register/ack/%s", nodeID)
}

// CommandTopic carries power commands to one node.
func CommandTopic(nodeID string) string {
	return fmt.Sprintf("battery/%s/command", nodeID)
}

// TelemetryTopic carries one node's telemetry stream.
func TelemetryTopic(nodeID string) string {
	return fmt.Sprintf("battery/%s/telemetry", nodeID)
}

// ParamsTopic carries safety threshold and state updates to one node.
func ParamsTopic(nodeID string) string {
	return fmt.Sprintf("battery/%s/params", nodeID)
}
