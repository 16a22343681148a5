// Package web3 defines the tool-execution collaborator boundary: the closed
// tool enumeration, the Executor interface and account snapshots used for
// scoring. The sim subpackage provides the simulated-chain implementation
// flows are evaluated against.
package web3
