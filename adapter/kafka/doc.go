// Package kafka provides a Kafka transport for xfedmsg built on
// github.com/segmentio/kafka-go.
//
// Transport name: "kafka"
//
// Records are keyed by msg_id and carry envelope metadata as "meta-<key>"
// headers. Consumer groups map onto Kafka consumer groups; Ack commits the
// record offset.
//
// Config keys: brokers (comma separated), topic_prefix, required_acks,
// auto_create, dead_letter, min_bytes, max_bytes, max_wait,
// commit_interval, start_first.
package kafka
