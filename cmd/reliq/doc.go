// Command reliq runs the reliq dead letter queue maintenance daemon and
// operator commands.
//
// reliq keeps failed messages out of the active queue path, applies
// per-queue retention and retry policies to them, and lets operators inspect,
// retry, purge and export dead letters.
//
// Install:
//
//	go install github.com/nuetzliches/reliq/cmd/reliq@latest
//
// Usage:
//
//	reliq run --config ./reliq.yaml
//	reliq dlq stats --config ./reliq.yaml
package main
