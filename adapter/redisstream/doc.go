// Package redisstream provides a Redis Streams transport for xfedmsg.
//
// Transport name: "redis-streams"
//
// Each fedmsg topic maps to the stream StreamPrefix+topic. Entries carry the
// encoded signed message in "payload", its msg_id in "msg_id", the
// production time and the envelope metadata as "meta:<key>" fields.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - stream_prefix: prepended to topics (default "")
//   - group / consumer: consumer group and consumer names
//   - concurrency: number of workers (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream receiving rejected/nacked entries (optional)
//
// Example:
//
//	bus, _ := xfedmsg.NewBusBuilder().
//	    WithCredentials(xfedmsg.Credentials{CertPath: "svc.crt", KeyPath: "svc.key"}).
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":          "localhost:6379",
//	        "stream_prefix": "fedmsg:",
//	        "dead_letter":   "fedmsg:dlq",
//	    }).
//	    Build()
package redisstream
