package backend

import "context"

// HealthStatus is the backend's health report.
type HealthStatus struct {
	Status string `json:"status"`
}

// Healthy reports whether the backend said it is up.
func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy" || h.Status == "ok"
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	if err := c.getJSON(ctx, "health", "/health", &status); err != nil {
		return HealthStatus{}, err
	}
	return status, nil
}
