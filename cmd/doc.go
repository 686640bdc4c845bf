// Package cmd defines the scrapefleet CLI.
//
// Commands:
//   - serve: runs the coordination API, the stale-job reaper and the
//     completion notifier. An empty db.dsn keeps all state in memory.
//   - agent: runs a worker that polls the server for jobs, scrapes them with
//     a headless browser and reports the results.
//   - migrate: applies the Postgres schema.
//   - reap: lists running jobs older than a threshold once and exits.
//
// Configuration comes from the --config file and SCRAPEFLEET_* environment
// variables, for example SCRAPEFLEET_DB_DSN or SCRAPEFLEET_AGENT_WORKER_ID.
package cmd
