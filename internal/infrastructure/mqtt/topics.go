package mqtt

import "fmt"

// Topic segments used by the printer firmware. The resulting strings are an
// external contract and must not change.
const (
	TopicPrefixDevice = "device"
	topicReport       = "report"
	topicRequest      = "request"
)

// Topics provides builders for printer MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Report("01S00A000000001")  // "device/01S00A000000001/report"
//	topics.Request("01S00A000000001") // "device/01S00A000000001/request"
type Topics struct{}

// Report returns the topic a printer publishes its status on.
func (Topics) Report(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevice, deviceID, topicReport)
}

// Request returns the topic a printer accepts commands on.
func (Topics) Request(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevice, deviceID, topicRequest)
}
