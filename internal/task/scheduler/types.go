package scheduler

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"toosimpleq/internal/eventbus"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/registry"
	logx "toosimpleq/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Paris"; empty means UTC
}

// Definition binds a schedule expression to a registered task.
type Definition struct {
	Name   string
	Spec   string
	Task   string
	Args   []json.RawMessage
	Kwargs map[string]json.RawMessage

	// DatetimeKwarg, when set, passes the slot time (RFC 3339) to the task
	// under that keyword.
	DatetimeKwarg string
}

type scheduleDef struct {
	def    Definition
	parsed ParsedSpec
	sched  cron.Schedule
	task   *registry.Task
}

type Service struct {
	mu sync.RWMutex

	cfg Config
	loc *time.Location

	reg   *registry.Registry
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	defs   []*scheduleDef
	byName map[string]*scheduleDef

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// ScheduleEvent is published on the event bus for schedule evaluations.
type ScheduleEvent struct {
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Task      string    `json:"task"`
	LastCheck time.Time `json:"last_check"`
	Slot      time.Time `json:"slot,omitempty"`
	TaskID    int64     `json:"task_id,omitempty"`
}

// ScheduleInfo describes a registered schedule.
type ScheduleInfo struct {
	Name          string    `json:"name"`
	Spec          string    `json:"spec"`
	Kind          string    `json:"kind"`
	Task          string    `json:"task"`
	DatetimeKwarg string    `json:"datetime_kwarg,omitempty"`
	Next          time.Time `json:"next"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
