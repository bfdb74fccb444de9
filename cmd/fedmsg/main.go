// Command fedmsg signs, verifies and publishes fedmsg messages.
//
//	fedmsg sign --cert svc.crt --key svc.key --topic org.example.test --seq 7 --payload '{"a":1}'
//	fedmsg sign ... | fedmsg verify -
//	FEDMSG_TRANSPORT=redis-streams FEDMSG_ADDR=localhost:6379 fedmsg publish --topic org.example.test
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fedmsg:", err)
		os.Exit(1)
	}
}
