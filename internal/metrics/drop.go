package metrics

import "bfxflow/logger"

// RecordQueueDrop counts one message dropped by a full queue. The optional
// asset and stage end up on the debug line so drops can be traced per
// instrument.
func RecordQueueDrop(log *logger.Log, queue, asset, stage string) {
	inc(queueDrops, queue)

	if log == nil {
		log = logger.GetLogger()
	}
	fields := logger.Fields{"queue": queue}
	if asset != "" {
		fields["asset"] = asset
	}
	if stage != "" {
		fields["stage"] = stage
	}
	log.WithComponent("channel_drops").WithFields(fields).Debug("message dropped")
}
