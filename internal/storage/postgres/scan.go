package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

func scanJob(row pgx.Row) (fleet.ScrapeJob, error) {
	var (
		job    fleet.ScrapeJob
		status string
		logs   []byte
	)
	err := row.Scan(
		&job.ID, &job.AreaID, &job.Keyword, &job.AssignedTo, &status, &logs, &job.ErrorMessage,
		&job.BusinessesFound, &job.ProcessingTimeSeconds, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return fleet.ScrapeJob{}, err
	}
	job.Status = fleet.JobStatus(status)
	job.Logs = []fleet.LogEntry{}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &job.Logs); err != nil {
			return fleet.ScrapeJob{}, fmt.Errorf("decode logs of job %d: %w", job.ID, err)
		}
	}
	return job, nil
}

func scanAdmin(row pgx.Row) (fleet.Admin, error) {
	var (
		admin    fleet.Admin
		status   string
		keywords []string
	)
	err := row.Scan(&admin.ID, &admin.Email, &status, &keywords, &admin.MaxConcurrentJobs,
		&admin.LastSeenAt, &admin.CreatedAt)
	if err != nil {
		return fleet.Admin{}, err
	}
	admin.Status = fleet.AdminStatus(status)
	admin.Keywords = fleet.ParseAffinity(keywords)
	return admin, nil
}

func scanCountry(row pgx.Row) (fleet.Country, error) {
	var c fleet.Country
	err := row.Scan(&c.ID, &c.Name, &c.ISOCode, &c.CitiesPopulated, &c.CitiesCount, &c.PopulatedAt)
	return c, err
}

func scanCity(row pgx.Row) (fleet.City, error) {
	var c fleet.City
	err := row.Scan(&c.ID, &c.CountryID, &c.Name, &c.Code, &c.AreasPopulated, &c.AreasCount, &c.PopulatedAt)
	return c, err
}

func scanArea(row pgx.Row) (fleet.Area, error) {
	var a fleet.Area
	err := row.Scan(&a.ID, &a.CityID, &a.Name, &a.LastScrapedAt)
	return a, err
}
