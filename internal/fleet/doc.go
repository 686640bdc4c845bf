// Package fleet defines the domain model shared by the assignment engine,
// the job lifecycle controller, the geography discovery pipeline and the
// worker registry: the Country/City/Area tree, scraping workers (admins),
// scrape jobs, harvested businesses, the closed status enumerations, the
// error taxonomy and the collaborator interfaces the core depends on.
//
// The package has no knowledge of storage or transport; implementations
// live in internal/storage, internal/api and friends.
package fleet
