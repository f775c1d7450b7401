package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownServiceType = errors.New("unknown service type")
	ErrAlreadyRegistered  = errors.New("service provider already registered")
	ErrDependencyLevel    = errors.New("dependency must have a lower level")
	ErrInvalidConfig      = errors.New("invalid service config")
	ErrResetDuringBuild   = errors.New("service reset while it was being constructed")
)

// Level orders construction: a service may only depend on services of a lower level.
type Level int

const (
	LevelFoundation Level = iota
	LevelInfrastructure
	LevelBusiness
	LevelApplication
	LevelIntegration
)

func (l Level) String() string {
	switch l {
	case LevelFoundation:
		return "foundation"
	case LevelInfrastructure:
		return "infrastructure"
	case LevelBusiness:
		return "business-logic"
	case LevelApplication:
		return "application"
	case LevelIntegration:
		return "integration"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// DefaultInstance is the instance name used when Options.InstanceName is empty.
const DefaultInstance = "default"

// Key identifies one cached instance.
type Key struct {
	Service  string `json:"service"`
	Provider string `json:"provider"`
	Instance string `json:"instance"`
}

func (k Key) String() string { return k.Service + "/" + k.Provider + "/" + k.Instance }

// Dependencies maps a service name to the instance injected for it.
type Dependencies map[string]any

// Options are passed to a Constructor. Dependencies holds the caller's
// explicit instances plus the default instances the registry injected.
type Options struct {
	InstanceName string
	Config       map[string]any
	Dependencies Dependencies
}

func (o Options) instance() string {
	if o.InstanceName == "" {
		return DefaultInstance
	}
	return o.InstanceName
}

// Constructor builds one instance. Instances implementing io.Closer are
// closed when evicted.
type Constructor func(ctx context.Context, opts Options) (any, error)

// InstanceInfo describes a constructed instance.
type InstanceInfo struct {
	Key       Key       `json:"key"`
	Level     Level     `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// Dep returns the dependency registered for service, typed as T.
func Dep[T any](deps Dependencies, service string) (T, bool) {
	var zero T
	v, ok := deps[service]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
