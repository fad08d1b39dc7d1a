package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	entityAttraction = "ATTRACTION"
	entityThemePark  = "THEME_PARK"
	statusClosed     = "CLOSED"
	statusUnknown    = "Unknown"
	parkUnknown      = "Unknown"

	// maxParentDepth bounds the fallback walk up the entity tree
	maxParentDepth = 8
)

// Collector errors
var (
	ErrCollectFetch  = errors.New("failed to fetch live data")
	ErrCollectInsert = errors.New("failed to save observations")
)

// defaultMainParks are the four Walt Disney World theme parks, named as the
// API names them
func defaultMainParks() []string {
	return []string{
		"Magic Kingdom Park",
		"Epcot",
		"Disney's Hollywood Studios",
		"Disney's Animal Kingdom Theme Park",
	}
}

type liveResponse struct {
	LiveData []liveEntity `json:"liveData"`
}

type liveQueue struct {
	WaitTime *int `json:"waitTime"`
}

type liveEntity struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	EntityType string               `json:"entityType"`
	ParkID     string               `json:"parkId"`
	ParentID   string               `json:"parentId"`
	Parent     string               `json:"parent"`
	Status     string               `json:"status"`
	Queue      map[string]liveQueue `json:"queue"`
}

// Observation is one wait_times row
type Observation struct {
	ParkName    string
	RideName    string
	WaitMinutes *int
	Status      string
}

// Collector polls the live API and stores ride observations
type Collector struct {
	client    *http.Client
	endpoint  string
	mainParks []string
	db        *sql.DB
	logger    *slog.Logger
}

func NewCollector(cfg CollectConfig, db *sql.DB, logger *slog.Logger) *Collector {
	mainParks := cfg.MainParks
	if len(mainParks) == 0 {
		mainParks = defaultMainParks()
	}
	return &Collector{
		client:    &http.Client{Timeout: cfg.Timeout},
		endpoint:  cfg.Endpoint,
		mainParks: mainParks,
		db:        db,
		logger:    logger,
	}
}

func (c *Collector) fetch(ctx context.Context) (*liveResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollectFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sheet-archiver/"+Version)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollectFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrCollectFetch, c.endpoint, resp.StatusCode, body)
	}

	var data liveResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %w", ErrCollectFetch, err)
	}
	return &data, nil
}

// parkStatuses returns the status of each main park present in the response
func parkStatuses(data *liveResponse, mainParks []string) map[string]string {
	wanted := make(map[string]bool, len(mainParks))
	for _, name := range mainParks {
		wanted[name] = true
	}

	statuses := make(map[string]string)
	for _, e := range data.LiveData {
		if e.EntityType == entityThemePark && wanted[e.Name] {
			status := e.Status
			if status == "" {
				status = statusUnknown
			}
			statuses[e.Name] = status
		}
	}
	return statuses
}

// allParksClosed is only true when every main park was found and is closed.
// A partial response is never trusted to mean closed.
func allParksClosed(statuses map[string]string, mainParks []string) (closed, foundAll bool) {
	foundAll = len(statuses) == len(mainParks)
	closed = len(statuses) > 0
	for _, s := range statuses {
		if s != statusClosed {
			closed = false
		}
	}
	return closed && foundAll, foundAll
}

// parkNames maps park entity IDs to names for one response
type parkNames struct {
	parks    map[string]string
	entities map[string]liveEntity
}

func newParkNames(data *liveResponse) *parkNames {
	pn := &parkNames{
		parks:    make(map[string]string),
		entities: make(map[string]liveEntity, len(data.LiveData)),
	}
	for _, e := range data.LiveData {
		pn.entities[e.ID] = e
		if e.EntityType == entityThemePark && e.Name != "" {
			pn.parks[e.ID] = e.Name
		}
	}
	return pn
}

// lookup resolves the park of an entity from its park or parent key, and only
// walks up the parent chain when neither is a known park
func (pn *parkNames) lookup(e liveEntity) string {
	for _, id := range []string{e.ParkID, e.ParentID, e.Parent} {
		if name, ok := pn.parks[id]; ok {
			return name
		}
	}

	cur := e
	for depth := 0; depth < maxParentDepth; depth++ {
		parentID := cur.ParentID
		if parentID == "" {
			parentID = cur.Parent
		}
		parent, ok := pn.entities[parentID]
		if !ok {
			break
		}
		if parent.EntityType == entityThemePark && parent.Name != "" {
			return parent.Name
		}
		cur = parent
	}
	return parkUnknown
}

// observations extracts one row per named attraction
func observations(data *liveResponse, logger *slog.Logger) []Observation {
	names := newParkNames(data)

	var out []Observation
	for _, e := range data.LiveData {
		if e.EntityType != entityAttraction {
			continue
		}
		if e.Name == "" {
			logger.Debug(fmt.Sprintf("Skipping attraction %s without a name", e.ID))
			continue
		}

		obs := Observation{
			ParkName: names.lookup(e),
			RideName: e.Name,
			Status:   e.Status,
		}
		if obs.Status == "" {
			obs.Status = statusUnknown
		}
		if q, ok := e.Queue["STANDBY"]; ok {
			obs.WaitMinutes = q.WaitTime
		}
		if obs.ParkName == parkUnknown {
			logger.Debug(fmt.Sprintf("No park found for %s", e.Name))
		}
		out = append(out, obs)
	}
	return out
}

const insertObservationQuery = `INSERT INTO wait_times (park_name, ride_name, wait_time_minutes, status) VALUES ($1, $2, $3, $4)`

// insertObservations stores all observations in one transaction
func insertObservations(ctx context.Context, db *sql.DB, obs []Observation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCollectInsert, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertObservationQuery)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %w", ErrCollectInsert, err)
	}
	defer stmt.Close()

	for _, o := range obs {
		var wait sql.NullInt64
		if o.WaitMinutes != nil {
			wait = sql.NullInt64{Int64: int64(*o.WaitMinutes), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, o.ParkName, o.RideName, wait, o.Status); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: %s: %w", ErrCollectInsert, o.RideName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrCollectInsert, err)
	}
	return nil
}

// CollectResult summarizes one collection
type CollectResult struct {
	Skipped  bool
	Inserted int
	Duration time.Duration
}

// Run fetches once and saves the observations, unless every main park is closed
func (c *Collector) Run(ctx context.Context) (CollectResult, error) {
	start := time.Now()

	c.logger.Info(fmt.Sprintf("🌐 Fetching live data from %s", c.endpoint))
	data, err := c.fetch(ctx)
	if err != nil {
		return CollectResult{}, err
	}
	if data.LiveData == nil {
		c.logger.Warn("⚠️  No liveData in API response, nothing to save")
		return CollectResult{Duration: time.Since(start)}, nil
	}

	statuses := parkStatuses(data, c.mainParks)
	for name, status := range statuses {
		c.logger.Debug(fmt.Sprintf("Status check: %s is %s", name, status))
	}

	closed, foundAll := allParksClosed(statuses, c.mainParks)
	switch {
	case closed:
		c.logger.Info(fmt.Sprintf("🌙 All %d main parks are closed, skipping", len(c.mainParks)))
		return CollectResult{Skipped: true, Duration: time.Since(start)}, nil
	case !foundAll:
		c.logger.Warn(fmt.Sprintf("⚠️  Found %d of %d main parks, saving data anyway", len(statuses), len(c.mainParks)))
	default:
		c.logger.Debug("At least one main park is open")
	}

	obs := observations(data, c.logger)
	if len(obs) == 0 {
		c.logger.Info("No attractions in response")
		return CollectResult{Duration: time.Since(start)}, nil
	}

	if err := insertObservations(ctx, c.db, obs); err != nil {
		return CollectResult{}, err
	}

	c.logger.Info(fmt.Sprintf("✅ Saved %d observations", len(obs)))
	return CollectResult{Inserted: len(obs), Duration: time.Since(start)}, nil
}
