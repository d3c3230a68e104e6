// Package provision implements the discovery-and-provisioning state machine for a BLE peripheral.
//
// A pass runs scan → connect → discover service → discover characteristics → write → disconnect
// under a scan deadline, with at most one operation in flight:
//
//	Idle ──start──▶ Scanning ──discovered──▶ Connecting ──connected──▶ DiscoveringServices
//	                   │ timeout                                          │ ok        │ error
//	                   ▼                                                  ▼           ▼
//	                  Idle              Writing ◀──ok── DiscoveringCharacteristics   Idle (abort)
//	                                       │ written (ok or error)        │ error
//	                                       ▼                              ▼
//	                                Disconnecting ──▶ Idle               Idle (abort)
//
// Session is the transition function: Handle takes one Event and returns the new State and the
// Commands to issue. Runner owns the single delivery queue, executes commands against a Radio
// and a Clock, and publishes Transition records for observers.
//
// The abort path taken on discovery errors does not disconnect the peripheral unless
// Policy.DisconnectOnAbort is set.
package provision
