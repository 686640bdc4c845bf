// Package store defines the persistence contracts of the scrape fleet:
// repository interfaces for jobs, workers, geography and businesses, and the
// Transactor/Tx pair through which every state transition runs as one atomic
// unit. Implementations live in internal/storage; this package must not
// import database drivers or concrete clients.
package store
