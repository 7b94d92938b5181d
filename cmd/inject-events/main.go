// Quick tool to inject a test attack chain into the bus event store (BoltDB).
// Usage: go run ./cmd/inject-events -db /path/to/events.db -device demo-mac
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/amoskys/amoskys/internal/envelope"
	"github.com/amoskys/amoskys/internal/eventstore"
)

func main() {
	dbPath := flag.String("db", "/data/amoskys/events.db", "path to events.db")
	device := flag.String("device", "demo-mac", "device id to attribute events to")
	scenario := flag.String("scenario", "brute-force", "brute-force | persistence | sudo")
	flag.Parse()

	now := time.Now().UTC()
	var entries []*envelope.Envelope
	switch *scenario {
	case "brute-force":
		for i := 0; i < 3; i++ {
			entries = append(entries, security(*device, fmt.Sprintf("inject-bf-fail-%d", i),
				now.Add(time.Duration(i-4)*time.Minute), envelope.AuthSSH, envelope.ResultFailure))
		}
		entries = append(entries, security(*device, "inject-bf-success",
			now.Add(-time.Minute), envelope.AuthSSH, envelope.ResultSuccess))
	case "persistence":
		entries = append(entries,
			security(*device, "inject-pa-auth", now.Add(-5*time.Minute), envelope.AuthSSH, envelope.ResultSuccess),
			audit(*device, "inject-pa-agent", now.Add(-time.Minute),
				envelope.ObjectLaunchAgent, "/Users/demo/Library/LaunchAgents/com.demo.plist"))
	case "sudo":
		e := security(*device, "inject-sudo", now.Add(-time.Minute), envelope.AuthSudo, envelope.ResultSuccess)
		e.Attributes = map[string]string{"sudo_command": "rm -rf /"}
		entries = append(entries, e)
	default:
		log.Fatalf("unknown scenario %q", *scenario)
	}

	store, err := eventstore.Open(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	for _, e := range entries {
		inserted, seq, err := store.Put(e, now)
		if err != nil {
			log.Fatalf("put %s: %v", e.EventID, err)
		}
		if !inserted {
			fmt.Printf("  skipped (duplicate): %s\n", e.EventID)
			continue
		}
		fmt.Printf("  injected: %s (seq %d)\n", e.EventID, seq)
	}
	fmt.Printf("\nInjected %d events. The fusion daemon picks them up through the feed.\n", len(entries))
}

func security(device, id string, at time.Time, authType, result string) *envelope.Envelope {
	return &envelope.Envelope{
		Version:       envelope.SchemaVersion,
		SourceAgentID: device,
		EventID:       id,
		TimestampNS:   uint64(at.UnixNano()),
		Security: &envelope.SecurityEvent{
			AuthType: authType,
			Result:   result,
			User:     "demo",
			SourceIP: "203.0.113.42",
		},
	}
}

func audit(device, id string, at time.Time, objectType, path string) *envelope.Envelope {
	return &envelope.Envelope{
		Version:       envelope.SchemaVersion,
		SourceAgentID: device,
		EventID:       id,
		TimestampNS:   uint64(at.UnixNano()),
		Audit: &envelope.AuditEvent{
			Action:     envelope.ActionCreated,
			ObjectType: objectType,
			Path:       path,
		},
	}
}
