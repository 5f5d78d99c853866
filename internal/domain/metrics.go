package domain

import "time"

type MetricsCollector interface {
	RecordApply(result string, duration time.Duration)
	RecordPush(node string, result string, duration time.Duration)
	RecordNotification()
	RecordCycle(result string)
	RecordKeyProvision()
}
