// Package store is the shared key/value store through which every PICTURE-C
// agent coordinates.
//
// # Overview
//
// Agents never call each other. Each one owns a set of settings and status
// keys, listens for commands on the keys it exposes, and reports what the
// hardware did by writing back to the store. Every write publishes a change
// notification on a Pub/Sub channel with the same name as the key, so any
// process can follow any key without knowing who produces it.
//
// The store is deliberately schema-agnostic: writing an unknown key is not an
// error. Typing, ranges, ownership and staleness are enforced one layer up by
// the schema registry (internal/schema) and the agent runtime (internal/agent).
//
// # Namespaces
//
//	settings:<path>  current value of an agent-owned setting
//	command:<path>   ephemeral request, published only, never stored
//	status:<path>    agent-reported state, may go stale
//
// # Usage Example
//
//	opts, _ := redis.ParseURL("redis://localhost:6379/0")
//	client, err := store.NewClient(opts, store.WithSource("picc"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	sub, err := client.Subscribe(ctx, "settings:device:sim960:*")
//	...
//	_, err = client.Publish(ctx, store.CommandKey("device:sim960:vout-value"), "0.25")
//
// # Redis Schema
//
//	<key>             hash {value, updated_at_ms}       settings and status values
//	<key>             channel                          Notification JSON on every write
//	timeseries:<key>  stream {value, at_ms}             bounded sample history
//
// # Ordering
//
// Set and AddSample write and publish in one MULTI/EXEC transaction, so
// notifications for a single key are delivered in write order. Nothing is
// guaranteed across keys.
package store
