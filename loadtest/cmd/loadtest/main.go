// Command loadtest drives simulated users against a duochat server.
//
//   - saturate: open N authenticated idle connections and hold them
//   - chat:     pair users up and exchange messages, timing acks and delivery
//   - tail:     follow the server's NATS event stream and count events by type
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "tail":
		runTail(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  chat        Paired messaging test, measures ack, delivery and typing latency")
	fmt.Println("  tail        Count routed events published on NATS, by type and outcome")
	fmt.Println()
	fmt.Println("Users first-user..first-user+N-1 must exist in the server's store.")
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
