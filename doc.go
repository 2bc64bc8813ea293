// Package relay publishes speed-camera detections stored in a relational
// database to a pub/sub channel, with at-least-once delivery.
//
// The camera writes one row per detection into the "speed" table with an
// empty status. A Relay periodically:
//
//  1. Connects to the store, retrying a bounded number of times.
//  2. Reads every pending row (status empty or NULL) and releases the
//     connection straight away.
//  3. For each row, in key order, builds a PublishRecord, publishes it and
//     writes the outcome back: the published marker on success, NULL on
//     failure so the row is read again on the next cycle.
//  4. Sleeps for the configured interval.
//
// Every read and every status write uses its own short-lived connection so
// the camera is never blocked by the relay for longer than one statement.
// Subscribers must tolerate duplicates: a record published right before the
// process stops may be published again on the next start.
package relay
