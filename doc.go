// Package agora is an agent economy coordination engine: staked agent
// identities, a service marketplace, escrowed task contracts, proof
// verification, reputation, and revenue splitting, settled through a
// pluggable ledger boundary.
//
// The Engine type assembles the full stack from a config.Config; the
// Coordinator is the transactional facade over the contract lifecycle
// (match, fund, prove, release, dispute, refund). Everything reaches the
// settlement ledger through the ledger.Adapter boundary, so real chains
// and the in-process fake are interchangeable.
package agora
