// Package nats provides a core NATS transport for xfedmsg built on
// github.com/nats-io/nats.go.
//
// Transport name: "nats"
//
// Topics become subjects (SubjectPrefix+topic) and consumer groups become
// queue groups. Envelope metadata travels as "Meta-<key>" headers. Core NATS
// is at-most-once: there is no redelivery, so Nack either forwards to the
// DeadLetter subject or only counts.
package nats
