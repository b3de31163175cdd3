// Package projections is the synchronization engine between the event log and
// the read models. Named subscribers register one handler per event type for
// a single aggregate category; a worker per subscriber polls the category
// stream, suppresses duplicate deliveries through per-aggregate checkpoints,
// and commits each handler's document writes together with the checkpoint
// advance. Failed envelopes are retried with bounded backoff and finally
// parked as dead letters for manual replay. Subscribers never affect each
// other's cursors.
package projections
