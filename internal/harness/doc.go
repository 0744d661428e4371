// Package harness runs replication scenarios against real engines.
//
// A scenario starts one serving process and a set of clients, all on the
// same in-memory broker, then executes a list of steps: creating bound
// documents, editing them from any process, partitioning and healing
// clients, restarting processes from their commit logs and waiting for
// the processes to agree. After the steps the harness checks the
// replication principles and the scenario's own assertions.
//
// # Scenario Format
//
//	name: offline_edit
//	description: "An edit made while partitioned reaches everyone after heal"
//	clients: [a, b]
//	steps:
//	  - do: create
//	    node: a
//	    path: notes/todo.txt
//	  - do: settle
//	  - do: partition
//	    node: b
//	  - do: append
//	    node: b
//	    path: notes/todo.txt
//	    text: "offline\n"
//	  - do: heal
//	    node: b
//	assertions:
//	  - type: content
//	    path: notes/todo.txt
//	    content: "offline\n"
//
// Steps default to the serving process when node is omitted. A step that
// is expected to fail names a substring of the error in expect_error.
//
// # Determinism
//
// Every process gets a fixed replica id (its node name), a stepping clock
// (testutil.Clock) for commit timestamps and a name-based id generator
// (testutil.SequenceGenerator), so document identities and merge results
// are identical across runs. Only the serving process allocates
// identities. Results are compared against golden files with goldie.
package harness
