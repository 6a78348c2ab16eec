package ecobee

import (
	"context"
	"ecobridge/internal/core"
	"ecobridge/internal/metrics"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
)

// Selection types understood by the thermostat endpoints
const (
	selectionRegistered  = "registered"
	selectionThermostats = "thermostats"
)

type selection struct {
	SelectionType           string `json:"selectionType"`
	SelectionMatch          string `json:"selectionMatch"`
	IncludesEquipmentStatus bool   `json:"includesEquipmentStatus,omitempty"`
	IncludeEvents           bool   `json:"includeEvents,omitempty"`
	IncludeProgram          bool   `json:"includeProgram,omitempty"`
	IncludeSettings         bool   `json:"includeSettings,omitempty"`
	IncludeRuntime          bool   `json:"includeRuntime,omitempty"`
	IncludeExtendedRuntime  bool   `json:"includeExtendedRuntime,omitempty"`
	IncludeLocation         bool   `json:"includeLocation,omitempty"`
	IncludeEquipmentStatus  bool   `json:"includeEquipmentStatus,omitempty"`
	IncludeVersion          bool   `json:"includeVersion,omitempty"`
	IncludeUtility          bool   `json:"includeUtility,omitempty"`
	IncludeAlerts           bool   `json:"includeAlerts,omitempty"`
	IncludeWeather          bool   `json:"includeWeather,omitempty"`
	IncludeSensors          bool   `json:"includeSensors,omitempty"`
}

type selectionRequest struct {
	Selection selection `json:"selection"`
}

// FullData is one thermostat's complete payload. Only the fields the bridge
// reads are decoded; Raw keeps everything for the domain layer.
type FullData struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Settings   struct {
		UseCelsius bool `json:"useCelsius"`
	} `json:"settings"`
	Raw json.RawMessage `json:"-"`
}

// Client reads thermostat data, keeping the token valid on the way
type Client struct {
	session   Session
	refresher *Refresher
	status    *Status
	logger    *slog.Logger
}

// NewClient creates a thermostat API client
func NewClient(session Session, refresher *Refresher, status *Status, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		session:   session,
		refresher: refresher,
		status:    status,
		logger:    logger.With("component", "ecobee"),
	}
}

// Thermostats fetches the revision summary of every registered thermostat
func (c *Client) Thermostats(ctx context.Context) (core.Snapshot, error) {
	req := selectionRequest{Selection: selection{
		SelectionType:           selectionRegistered,
		SelectionMatch:          "",
		IncludesEquipmentStatus: true,
	}}

	data, err := c.get(ctx, "1/thermostatSummary", req)
	if err != nil {
		metrics.ThermostatFetchTotal.WithLabelValues(metrics.KindSummary, metrics.ResultError).Inc()
		return nil, err
	}

	var summary struct {
		ThermostatCount int      `json:"thermostatCount"`
		RevisionList    []string `json:"revisionList"`
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		metrics.ThermostatFetchTotal.WithLabelValues(metrics.KindSummary, metrics.ResultError).Inc()
		return nil, fmt.Errorf("failed to decode thermostat summary: %w", err)
	}

	snap, err := core.ParseRevisionList(summary.RevisionList)
	if err != nil {
		metrics.ThermostatFetchTotal.WithLabelValues(metrics.KindSummary, metrics.ResultError).Inc()
		return nil, err
	}
	metrics.ThermostatFetchTotal.WithLabelValues(metrics.KindSummary, metrics.ResultOK).Inc()
	c.logger.Debug("Got thermostat summary", "count", len(snap))
	return snap, nil
}

// ThermostatFull fetches everything the provider has for one thermostat
func (c *Client) ThermostatFull(ctx context.Context, id string) (*FullData, error) {
	req := selectionRequest{Selection: selection{
		SelectionType:          selectionThermostats,
		SelectionMatch:         id,
		IncludeEvents:          true,
		IncludeProgram:         true,
		IncludeSettings:        true,
		IncludeRuntime:         true,
		IncludeExtendedRuntime: true,
		IncludeLocation:        true,
		IncludeEquipmentStatus: true,
		IncludeVersion:         true,
		IncludeUtility:         true,
		IncludeAlerts:          true,
		IncludeWeather:         true,
		IncludeSensors:         true,
	}}

	c.logger.Info("Getting thermostat data", "thermostat_id", id)
	data, err := c.get(ctx, "1/thermostat", req)
	if err != nil {
		metrics.ThermostatFetchTotal.WithLabelValues(metrics.KindFull, metrics.ResultError).Inc()
		return nil, err
	}

	var resp struct {
		ThermostatList []json.RawMessage `json:"thermostatList"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		metrics.ThermostatFetchTotal.WithLabelValues(metrics.KindFull, metrics.ResultError).Inc()
		return nil, fmt.Errorf("failed to decode thermostat %s: %w", id, err)
	}
	if len(resp.ThermostatList) == 0 {
		metrics.ThermostatFetchTotal.WithLabelValues(metrics.KindFull, metrics.ResultError).Inc()
		return nil, fmt.Errorf("%w: thermostat %s not in response", ErrNoData, id)
	}

	full := &FullData{Raw: resp.ThermostatList[0]}
	if err := json.Unmarshal(full.Raw, full); err != nil {
		metrics.ThermostatFetchTotal.WithLabelValues(metrics.KindFull, metrics.ResultError).Inc()
		return nil, fmt.Errorf("failed to decode thermostat %s: %w", id, err)
	}
	metrics.ThermostatFetchTotal.WithLabelValues(metrics.KindFull, metrics.ResultOK).Inc()
	return full, nil
}

// get issues an authenticated read, with the request encoded in the json
// query parameter, and handles the provider status block
func (c *Client) get(ctx context.Context, path string, request any) (json.RawMessage, error) {
	if err := c.refresher.EnsureValid(ctx); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", path, err)
	}
	params := url.Values{}
	params.Set("json", string(encoded))

	data, st, err := c.fetch(ctx, path, params)
	if err != nil {
		return nil, err
	}
	if st == nil || st.Code == statusOK {
		return data, nil
	}

	c.logger.Error("Provider returned bad status", "path", path, "code", st.Code, "message", st.Message)
	switch st.Code {
	case statusTokenExpired:
		c.logger.Warn("Token has expired, refreshing and retrying once", "path", path)
		if err := c.refresher.Refresh(ctx); err != nil {
			return nil, err
		}
		data, st, err = c.fetch(ctx, path, params)
		if err != nil {
			return nil, err
		}
		if st == nil || st.Code == statusOK {
			return data, nil
		}
	case statusDeauthorized:
		c.refresher.Reauthorize(ctx, fmt.Sprintf("token deauthorized by user: %s", st.Message))
		return nil, ErrReauthRequired
	}
	return nil, fmt.Errorf("%w: %s: code %d: %s", ErrStatus, path, st.Code, st.Message)
}

func (c *Client) fetch(ctx context.Context, path string, params url.Values) (json.RawMessage, *apiStatus, error) {
	res, err := c.session.Get(ctx, path, params, c.refresher.Token())
	if err != nil {
		c.status.SetConnected(false)
		return nil, nil, err
	}
	c.status.SetConnected(true)

	if res.Data == nil {
		return nil, nil, fmt.Errorf("%w: %s returned code %d", ErrNoData, path, res.Code)
	}
	st, err := statusOf(res.Data)
	if err != nil {
		return nil, nil, err
	}
	return res.Data, st, nil
}
