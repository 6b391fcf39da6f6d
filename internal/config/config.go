// Package config holds the recognized configuration options of spec §6,
// grouped the way the spec groups them. Loading these from a TOML/YAML
// file is explicitly out of scope (§1); what's in-core is the option
// structs themselves and their validation, evaluated with
// go-playground/validator/v10 the way jordigilh-kubernaut validates its
// own request/config structs.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Server groups the server-side options of §6.
type Server struct {
	Host              string        `validate:"required"`
	Port              int           `validate:"required,gt=0,lt=65536"`
	DBURL             string        `validate:"required"`
	ClaimAckTimeout   time.Duration `validate:"required,gt=0"`
	MaxClaimAttempts  int           `validate:"required,gt=0"`
	OrphanTimeout     time.Duration `validate:"required,gt=0"`
	CancelGracePeriod time.Duration `validate:"required,gt=0"`
}

// Worker groups the worker-side options of §6.
type Worker struct {
	ServerURL               string            `validate:"required"`
	SessionName             string            `validate:"required"`
	HeartbeatInterval       time.Duration     `validate:"required,gt=0"`
	MaxConcurrentExecutions int               `validate:"required,gt=0"`
	Capabilities            WorkerCapabilities `validate:"required"`
}

// WorkerCapabilities is the resource shape advertised at registration
// and matched against by the dispatcher (§4.4).
type WorkerCapabilities struct {
	CPU      float64  `validate:"gte=0"`
	MemoryMB int64    `validate:"gte=0"`
	Packages []string `validate:"dive,required"`
	Tags     []string `validate:"dive,required"`
}

// Runtime groups task-envelope defaults (§6).
type Runtime struct {
	DefaultTimeout  time.Duration `validate:"gte=0"`
	DefaultRetries  int           `validate:"gte=1"`
	DefaultBackoff  float64       `validate:"gte=1"`
}

// Storage groups output-storage options (§6).
type Storage struct {
	LocalStoragePath string `validate:"required"`
	Serializer       string `validate:"oneof=json binary"`
}

// Secrets groups secrets-store options (§6).
type Secrets struct {
	MasterKey string `validate:"required,min=32"`
}

// Validate runs struct validation on any of the groups above (or a
// composite struct embedding them).
func Validate(v interface{}) error {
	return validate.Struct(v)
}
