// services/hub/internal/directory/client.go
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"example.com/backstage/services/hub/config"
	"example.com/backstage/services/hub/internal/core"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

var errNotFound = errors.New("not found")

type permissionsResponse struct {
	Permissions []string `json:"permissions"`
}

// Client resolves zones, facilities and staff permissions from the park
// service. Successful lookups are cached for the configured TTL.
type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	zones       *expirable.LRU[int, core.Zone]
	facilities  *expirable.LRU[string, core.Facility]
	permissions *expirable.LRU[string, []string]
	logger      *logrus.Logger
}

var (
	_ core.ParkDirectory      = (*Client)(nil)
	_ core.PermissionResolver = (*Client)(nil)
)

func NewClient(cfg config.ParkDirectoryConfig, logger *logrus.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("park directory base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid park directory base URL: %w", err)
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 1
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.APIToken,
		http:        &http.Client{Timeout: cfg.Timeout},
		zones:       expirable.NewLRU[int, core.Zone](size, nil, cfg.CacheTTL),
		facilities:  expirable.NewLRU[string, core.Facility](size, nil, cfg.CacheTTL),
		permissions: expirable.NewLRU[string, []string](size, nil, cfg.CacheTTL),
		logger:      logger,
	}, nil
}

func (c *Client) GetZone(ctx context.Context, zoneID int) (*core.Zone, error) {
	if zone, ok := c.zones.Get(zoneID); ok {
		return &zone, nil
	}

	var zone core.Zone
	err := c.get(ctx, "/zones/"+strconv.Itoa(zoneID), &zone)
	if errors.Is(err, errNotFound) {
		return nil, core.ErrZoneNotFound
	}
	if err != nil {
		return nil, err
	}

	c.zones.Add(zoneID, zone)
	return &zone, nil
}

func (c *Client) GetFacility(ctx context.Context, facilityID string) (*core.Facility, error) {
	if facility, ok := c.facilities.Get(facilityID); ok {
		return &facility, nil
	}

	var facility core.Facility
	err := c.get(ctx, "/facilities/"+url.PathEscape(facilityID), &facility)
	if errors.Is(err, errNotFound) {
		return nil, core.ErrFacilityNotFound
	}
	if err != nil {
		return nil, err
	}

	c.facilities.Add(facilityID, facility)
	return &facility, nil
}

// ResolvePermissions returns no permissions for staff the directory does not know.
func (c *Client) ResolvePermissions(ctx context.Context, staffID string) ([]string, error) {
	if perms, ok := c.permissions.Get(staffID); ok {
		return perms, nil
	}

	var resp permissionsResponse
	err := c.get(ctx, "/staffs/"+url.PathEscape(staffID)+"/permissions", &resp)
	if errors.Is(err, errNotFound) {
		c.logger.WithField("staff_id", staffID).Debug("Unknown staff member")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.permissions.Add(staffID, resp.Permissions)
	return resp.Permissions, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build park directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("park directory request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("park directory %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode park directory response for %s: %w", path, err)
	}
	return nil
}
