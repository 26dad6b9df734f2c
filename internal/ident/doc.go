// Package ident defines the identity types of the scheduler.
//
// A ConstellationID names one scheduling engine (one executor) for the lifetime
// of a run. An ActivityID names one unit of work: the engine that admitted it,
// a sequence number from that engine's private clock, and a flag telling whether
// the activity expects signals.
//
// Minting never coordinates across nodes. The node rank is carried in the high
// half of every ConstellationID, so the owner of any ActivityID can be addressed
// directly from the identifier itself.
package ident
