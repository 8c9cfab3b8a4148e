// Package gateway provides the content lifecycle core of the object gateway:
// the Storage contract every backend adapter implements, the Metadata record
// all services read and write, and the error kinds shared across them.
//
// Services built on top of the contract live in subpackages: dedup
// (content-addressed storage), versioning (linear per-key history), cache
// (bounded TTL read-through cache) and sharing (expiring capability links).
// Backend adapters (memory, filesystem, S3, Postgres, SQLite, Redis) live
// under storage/.
//
// # Write Protocol
//
// Backends that keep payload and metadata as separate objects write the
// payload first and the metadata sidecar last. The sidecar acts as the commit
// marker: a payload without a sidecar is an orphan left by an interrupted put
// and is invisible to Get, Exists and List. Re-running the put repairs it.
package gateway
