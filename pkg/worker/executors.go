package worker

import (
	"context"
	"encoding/json"

	"github.com/nimburion/taskguard/pkg/guard"
)

// NoopExecutor succeeds without doing anything.
var NoopExecutor = guard.ExecutorFunc(func(context.Context, guard.Task) ([]byte, error) {
	return nil, nil
})

// EchoExecutor returns the task arguments as its result.
var EchoExecutor = guard.ExecutorFunc(func(_ context.Context, task guard.Task) ([]byte, error) {
	if task.Args == nil {
		return []byte("null"), nil
	}
	return json.Marshal(task.Args)
})

// Builtins returns the executors shipped with the binary, keyed by task name.
func Builtins() map[string]guard.Executor {
	return map[string]guard.Executor{
		"noop": NoopExecutor,
		"echo": EchoExecutor,
	}
}
