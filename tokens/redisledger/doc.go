// Package redisledger implements tokens.Ledger on Redis so that several
// server instances behind a load balancer agree on which stream tokens have
// been issued and retired.
//
// Each token is stored under KeyPrefix + "token:" + sha256(token) with a
// retention TTL. Claims use SET NX; retirement overwrites the value and
// refreshes the TTL, so a retired token cannot be reclaimed until its
// record expires. Pick a retention comfortably longer than any stream is
// expected to live.
//
// Example:
//
//	ledger, err := redisledger.NewFromEnv()
//	if err != nil { ... }
//	defer ledger.Close()
package redisledger
