package dagflow

import "github.com/eleven-am/dagflow/internal/domain"

type ErrorKind = domain.ErrorKind

const (
	KindValidation           = domain.KindValidation
	KindNode                 = domain.KindNode
	KindIntegrationTransient = domain.KindIntegrationTransient
	KindIntegrationPermanent = domain.KindIntegrationPermanent
	KindTimeout              = domain.KindTimeout
	KindSystem               = domain.KindSystem
	KindCircuitOpen          = domain.KindCircuitOpen
	KindCancelled            = domain.KindCancelled
	KindLoopLimit            = domain.KindLoopLimit
)

var (
	ErrExecutionNotFound  = domain.ErrExecutionNotFound
	ErrNotFound           = domain.ErrNotFound
	ErrInvalidConfig      = domain.ErrInvalidConfig
	ErrInvalidInput       = domain.ErrInvalidInput
	ErrCircuitOpen        = domain.ErrCircuitOpen
	ErrRateLimited        = domain.ErrRateLimited
	ErrCancelled          = domain.ErrCancelled
	ErrLoopIterationLimit = domain.ErrLoopIterationLimit
	ErrUnknownNodeType    = domain.ErrUnknownNodeType
	ErrClosed             = domain.ErrClosed
	ErrAlreadyStarted     = domain.ErrAlreadyStarted
	ErrTerminal           = domain.ErrTerminal
)

// ValidationFailedError is returned by Submit when a definition has
// error-level findings. Its Report lists all of them.
type ValidationFailedError = domain.ValidationFailedError

type NodeExecutionError = domain.NodeExecutionError

// IntegrationError describes a failed call through the integration gateway.
// Transient errors are retried and count against the target's circuit.
type IntegrationError = domain.IntegrationError

type TimeoutError = domain.TimeoutError

type SystemError = domain.SystemError

type ConfigError = domain.ConfigError

func IsValidationFailed(err error) bool { return domain.IsValidationFailed(err) }

func IsNotFound(err error) bool { return domain.IsNotFound(err) }

func IsTimeout(err error) bool { return domain.IsTimeout(err) }

func IsCircuitOpen(err error) bool { return domain.IsCircuitOpen(err) }

func IsCancelled(err error) bool { return domain.IsCancelled(err) }

func IsSystem(err error) bool { return domain.IsSystem(err) }

func IsTransient(err error) bool { return domain.IsTransient(err) }

// KindOf classifies err into one of the Kind constants.
func KindOf(err error) ErrorKind { return domain.KindOf(err) }
