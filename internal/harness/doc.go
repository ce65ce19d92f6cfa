// Package harness loads suite files: named lists of protocol pairs that
// are verified one after another against a single acquisition of the
// broker infrastructure.
//
// # Suite Format
//
// Suites are defined in YAML files with the following structure:
//
//	name: nightly
//	description: "All supported broker combinations"
//	spec: ../spec/spec.yaml        # optional, relative to this file
//	strategy: overlay              # optional default for every run
//	runs:
//	  - receive: amqp
//	    send: kafka
//	    strategy: in-place
//	  - profile: sqs-kafka
//	    strategy: precomputed
//	  - name: jms to mqtt
//	    receive: jms
//	    send: mqtt
//
// Unknown fields are rejected, as are runs that name no pair, name an
// invalid one, or reuse another run's name.
//
// # Plans
//
// Plan computes every run's bindings and overlay fingerprint without
// launching the engine, which is what `asyncverify suite --dry-run`
// prints. AssertPlanGolden snapshots a plan for golden comparison.
package harness
