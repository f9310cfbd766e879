// Package memory provides an in-process implementation of storage.Storage.
//
// All maps are guarded by one mutex, which makes every operation, including
// ConsumeAuthCode, atomic. Records are copied on the way in and out so callers
// never share state with the store. Nothing survives a restart; use it for
// development, tests and single-instance deployments.
//
// Roles come from SetUserRoles unless a RoleLookup is attached with
// SetRoleLookup.
//
//	store := memory.New()
//	store.SetClock(clock)
//	defer store.Close()
package memory
