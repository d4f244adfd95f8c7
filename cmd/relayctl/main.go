// ABOUTME: relayctl is the operator CLI for a running relay.
// ABOUTME: Lists clients, runs action sequences, and watches lifecycle events.

package main

func main() {
	Execute()
}
