// Package natsclient provides a managed NATS connection for the rules
// runtime with reconnect handling, a circuit breaker around publishes,
// and JetStream access for the ruleset key-value store.
//
// The client wraps nats.Conn rather than exposing it directly so that
// connection status, failure counting and metrics reporting stay in one
// place. Callers construct a client with functional options, connect
// once at startup, and share it across the ingestion subscriber, the
// action publisher and the ruleset store:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("openremote-rules"),
//		natsclient.WithCredentials(user, pass),
//		natsclient.WithMetrics(metrics),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close()
//
//	kv, err := client.KeyValue(ctx, "rulesets")
//
// Publish and Subscribe return errors.ClassifiedError values so callers
// can distinguish transient connection loss (retry) from invalid use
// (fail fast).
package natsclient
