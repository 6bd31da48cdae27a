package storage

import (
	json "github.com/goccy/go-json"

	"github.com/eleven-am/dagflow/internal/domain"
)

// codecVersion guards against decoding contexts written by an incompatible layout.
const codecVersion = 1

type envelope struct {
	Version int                      `json:"v"`
	Context *domain.ExecutionContext `json:"ctx"`
}

func encodeContext(execCtx *domain.ExecutionContext) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: codecVersion, Context: execCtx})
	if err != nil {
		return nil, domain.NewSystemError("storage", "encode", err)
	}
	return data, nil
}

func decodeContext(data []byte) (*domain.ExecutionContext, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.NewSystemError("storage", "decode", err)
	}
	if env.Version != codecVersion || env.Context == nil {
		return nil, domain.NewSystemError("storage", "decode", domain.ErrInvalidInput)
	}
	ensureMaps(env.Context)
	return env.Context, nil
}

func ensureMaps(c *domain.ExecutionContext) {
	if c.Results == nil {
		c.Results = make(map[string]domain.NodeResult)
	}
	if c.Variables == nil {
		c.Variables = make(map[string]interface{})
	}
	if c.RetryCounts == nil {
		c.RetryCounts = make(map[string]int)
	}
	if c.LoopIterations == nil {
		c.LoopIterations = make(map[string]int)
	}
	if c.CompletionOrder == nil {
		c.CompletionOrder = []string{}
	}
}

func validateID(executionID string) error {
	if executionID == "" {
		return domain.NewSystemError("storage", "validate", domain.ErrInvalidInput)
	}
	return nil
}
