// Package export writes derived view rows out as downloadable JSON or CSV.
//
// There is deliberately no import counterpart: view rows are derived state,
// rebuilt from the event store on refresh, so restoring them from a file
// would only be overwritten by the next cycle.
package export
