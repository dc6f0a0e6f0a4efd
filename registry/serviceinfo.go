package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status reports the health of a registered service instance.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ServiceInfo describes one shard instance in the registry. The registering
// shard owns its record exclusively; every other shard only reads it through
// the watch stream.
type ServiceInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Status        Status            `json:"status"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Address returns the host:port endpoint of the service.
func (s *ServiceInfo) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IsStale reports whether the record's heartbeat is older than the threshold.
// The registry never rewrites other nodes' records, so consumers must apply
// this check before trusting a route even if the record is still present.
func (s *ServiceInfo) IsStale(threshold time.Duration) bool {
	return time.Since(s.LastHeartbeat) > threshold
}

// Clone returns a deep copy, so callers can't mutate the cached view.
func (s *ServiceInfo) Clone() *ServiceInfo {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (s *ServiceInfo) marshal() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal service info for %s: %w", s.ID, err)
	}
	return string(data), nil
}

func unmarshalServiceInfo(data []byte) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service info: %w", err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("service info missing id")
	}
	return &info, nil
}
