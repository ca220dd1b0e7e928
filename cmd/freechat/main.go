// Freechat is a streaming gateway in front of several unofficial chat
// completion backends, plus a terminal client for it.
//
// Usage:
//
//	# Start the gateway
//	freechat serve
//
//	# Chat with the gateway from a terminal
//	freechat chat --provider bai
//
//	# Show the configured providers
//	freechat providers
package main

func main() {
	Execute()
}
