// Package log bridges the concrete zap.Logger the teacher's SDK is
// written against to the provider-agnostic logr.Logger interface that
// the secrets/storage contracts accept, so those adapters never need to
// import zap themselves. Grounded on jordigilh-kubernaut's pervasive
// zap/logr bridging at package boundaries.
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// New builds a production zap.Logger, the teacher's default choice.
func New() (*zap.Logger, error) {
	return zap.NewProduction()
}

// Nop returns a zap.Logger that discards everything, used as the default
// when no logger is configured.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// ToLogr bridges a concrete zap.Logger to logr.Logger for contract
// boundaries (secrets.Store, storage.Store) that must stay
// implementation-agnostic.
func ToLogr(z *zap.Logger) logr.Logger {
	return zapr.NewLogger(z)
}
