package interfaces

import (
	"context"

	"github.com/KevinKickass/gatewayems/internal/config"
	"github.com/KevinKickass/gatewayems/internal/devices"
	"github.com/KevinKickass/gatewayems/internal/machine"
	"github.com/KevinKickass/gatewayems/internal/metrics"
	"github.com/KevinKickass/gatewayems/internal/modbus"
	"github.com/google/uuid"
)

// SystemStatus represents the current gateway state
type SystemStatus struct {
	State        string `json:"state"`
	Orchestrator string `json:"orchestrator"`
	TaskID       string `json:"task_id,omitempty"`
	Connections  int    `json:"connections"`
	Devices      int    `json:"devices"`
	LastError    string `json:"last_error,omitempty"`
}

type LifecycleManager interface {
	Config() *config.Config
	DeviceManager() *devices.Manager
	MachineController() *machine.Controller
	Metrics() *metrics.Collectors
	GetCurrentStatus() SystemStatus
	SubscribeReadings() (uuid.UUID, <-chan *modbus.PollReport)
	UnsubscribeReadings(id uuid.UUID)
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
