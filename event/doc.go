// Package event implements the typed publish/subscribe primitive used to
// decouple protocol state changes from their consumers.
//
// An Emitter carries values of one type to any number of subscribers and
// supports three dispatch disciplines: fire-and-forget (Emit), collect-all
// (EmitAll) and first-settled (EmitRace). Signal is a convenience wrapper
// for notifications that produce no result value.
package event
